// cmd_export.go - export Command (Checkpoint -> ONNX)
// Hauptfunktionen: newExportCmd, ExportHandler
package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ultrasharp/ultrasharp/arch"
	"github.com/ultrasharp/ultrasharp/export"
)

// newExportCmd - Erstellt den export Command
func newExportCmd() *cobra.Command {
	defaults := export.DefaultConfig()

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a PyTorch/safetensors upscaler checkpoint to ONNX",
		Args:  cobra.NoArgs,
		RunE:  ExportHandler,
	}

	exportCmd.Flags().String("config", "", "YAML file with export settings")
	exportCmd.Flags().String("model", defaults.Model, "Checkpoint to export (.pth or .safetensors)")
	exportCmd.Flags().String("output", defaults.Output, "Path of the ONNX file to write")
	exportCmd.Flags().String("arch", "", "Architecture ("+strings.Join(arch.Names(), ", ")+"), detected when empty")
	exportCmd.Flags().IntSlice("input_shape", defaults.InputShape, "Shape of the sample input (N,C,H,W)")
	exportCmd.Flags().Int64("opset_version", defaults.OpsetVersion, "ONNX opset version")
	exportCmd.Flags().String("input_name", defaults.InputNames[0], "Name of the graph input")
	exportCmd.Flags().String("output_name", defaults.OutputNames[0], "Name of the graph output")
	exportCmd.Flags().Bool("export_params", defaults.ExportParams, "Store weights as initializers inside the model")
	exportCmd.Flags().Bool("verbose", defaults.Verbose, "Print the exported graph")
	exportCmd.Flags().Bool("static", false, "Export without dynamic axes")
	exportCmd.Flags().Uint64("seed", defaults.Seed, "Seed for the random sample input")

	return exportCmd
}

// ExportHandler - Fuehrt den Export mit Config-Datei und Flag-Overrides aus
func ExportHandler(cmd *cobra.Command, args []string) error {
	cfg := export.DefaultConfig()
	flags := cmd.Flags()

	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = export.LoadConfig(path); err != nil {
			return err
		}
	}

	if flags.Changed("model") {
		cfg.Model, _ = flags.GetString("model")
	}
	if flags.Changed("output") {
		cfg.Output, _ = flags.GetString("output")
	}
	if flags.Changed("arch") {
		cfg.Arch, _ = flags.GetString("arch")
	}
	if flags.Changed("input_shape") {
		cfg.InputShape, _ = flags.GetIntSlice("input_shape")
	}
	if flags.Changed("opset_version") {
		cfg.OpsetVersion, _ = flags.GetInt64("opset_version")
	}
	if flags.Changed("input_name") {
		cfg.InputNames = []string{renameAxes(cfg.DynamicAxes, first(cfg.InputNames), flagString(cmd, "input_name"))}
	}
	if flags.Changed("output_name") {
		cfg.OutputNames = []string{renameAxes(cfg.DynamicAxes, first(cfg.OutputNames), flagString(cmd, "output_name"))}
	}
	if flags.Changed("export_params") {
		cfg.ExportParams, _ = flags.GetBool("export_params")
	}
	if flags.Changed("verbose") {
		cfg.Verbose, _ = flags.GetBool("verbose")
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetUint64("seed")
	}
	if static, _ := flags.GetBool("static"); static {
		cfg.DynamicAxes = export.NewDynamicAxes()
	}

	_, err := export.Export(cmd.Context(), cfg, cmd.OutOrStdout())
	return err
}

// renameAxes uebertraegt die dynamischen Achsen auf einen umbenannten Tensor
func renameAxes(axes export.DynamicAxes, from, to string) string {
	if v, ok := axes.Get(from); ok && from != to {
		axes.Set(to, v)
		axes.Delete(from)
	}
	return to
}

func first(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func flagString(cmd *cobra.Command, name string) string {
	s, _ := cmd.Flags().GetString(name)
	return s
}
