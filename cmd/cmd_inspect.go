// cmd_inspect.go - inspect Command (ONNX-Modell beschreiben)
// Hauptfunktionen: newInspectCmd, InspectHandler
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ultrasharp/ultrasharp/export"
	"github.com/ultrasharp/ultrasharp/onnx"
)

// newInspectCmd - Erstellt den inspect Command
func newInspectCmd() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show inputs, outputs, weights and operators of an ONNX model",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}

	inspectCmd.Flags().Bool("graph", false, "Also print every node of the graph")

	return inspectCmd
}

// InspectHandler - Liest das Modell und gibt die Uebersicht aus
func InspectHandler(cmd *cobra.Command, args []string) error {
	m, err := onnx.ReadFile(args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	showModelInfo(m, w)

	if graph, _ := cmd.Flags().GetBool("graph"); graph {
		if m.Graph == nil {
			return fmt.Errorf("%s: model has no graph", args[0])
		}
		export.WriteGraph(w, m.Graph)
	}
	return nil
}
