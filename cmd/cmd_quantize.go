// cmd_quantize.go - quantize Command (dynamische Gewichts-Quantisierung)
// Hauptfunktionen: newQuantizeCmd, QuantizeHandler
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ultrasharp/ultrasharp/quantize"
)

// newQuantizeCmd - Erstellt den quantize Command
func newQuantizeCmd() *cobra.Command {
	opts := quantize.DefaultOptions()

	quantizeCmd := &cobra.Command{
		Use:   "quantize",
		Short: "Quantize the weights of an ONNX model to 8 bit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return QuantizeHandler(cmd, opts)
		},
	}

	quantizeCmd.Flags().String("input_model", "", "ONNX model to quantize")
	quantizeCmd.Flags().String("output_model", "", "Path of the quantized ONNX model")
	quantizeCmd.Flags().Var(&opts.Format, "quant_format", "Quantization format (QDQ, QOperator)")
	quantizeCmd.Flags().Var((*quantize.Bool)(&opts.PerChannel), "per_channel", "Quantize weights per output channel (True/False)")
	quantizeCmd.Flags().Var(&opts.WeightType, "weight_type", "Weight type (QInt8, QUInt8)")
	quantizeCmd.Flags().StringSliceVar(&opts.OpTypes, "op_types", opts.OpTypes, "Operator types whose weights are quantized")
	quantizeCmd.Flags().StringSliceVar(&opts.NodesToExclude, "nodes_to_exclude", nil, "Node names to leave in float")

	_ = quantizeCmd.MarkFlagRequired("input_model")
	_ = quantizeCmd.MarkFlagRequired("output_model")

	return quantizeCmd
}

// QuantizeHandler - Quantisiert input_model nach output_model und zeigt den Report
func QuantizeHandler(cmd *cobra.Command, opts quantize.Options) error {
	input, _ := cmd.Flags().GetString("input_model")
	output, _ := cmd.Flags().GetString("output_model")

	report, err := quantize.QuantizeFile(cmd.Context(), input, output, opts)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	renderQuantReport(w, report)
	fmt.Fprintln(w, "Quantized model saved.")
	return nil
}
