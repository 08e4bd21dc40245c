// cmd_upscale.go - upscale Command (Bild mit ONNX-Modell hochskalieren)
// Hauptfunktionen: newUpscaleCmd, UpscaleHandler
package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ultrasharp/ultrasharp/envconfig"
	"github.com/ultrasharp/ultrasharp/upscale"
)

// newUpscaleCmd - Erstellt den upscale Command
func newUpscaleCmd() *cobra.Command {
	upscaleCmd := &cobra.Command{
		Use:   "upscale",
		Short: "Upscale an image with an exported ONNX model",
		Args:  cobra.NoArgs,
		RunE:  UpscaleHandler,
	}

	upscaleCmd.Flags().String("model", "", "ONNX model to run")
	upscaleCmd.Flags().String("input", "", "Image to upscale (png, jpeg, webp, bmp, tiff)")
	upscaleCmd.Flags().String("output", "", "Path of the PNG to write")
	upscaleCmd.Flags().String("provider", "", "First execution provider to try ("+strings.Join(upscale.Providers, ", ")+")")
	upscaleCmd.Flags().Int("threads", 0, "Intra-op threads for onnxruntime (0 = auto)")

	_ = upscaleCmd.MarkFlagRequired("model")
	_ = upscaleCmd.MarkFlagRequired("input")
	_ = upscaleCmd.MarkFlagRequired("output")

	return upscaleCmd
}

// UpscaleHandler - Fuehrt das Modell auf einem Bild aus
func UpscaleHandler(cmd *cobra.Command, args []string) error {
	opts := upscale.Options{
		SessionOptions: upscale.SessionOptions{
			Provider:   envconfig.Provider(),
			NumThreads: int(envconfig.NumThreads()),
			Library:    envconfig.OrtLibrary(),
		},
	}
	opts.Model, _ = cmd.Flags().GetString("model")
	opts.Input, _ = cmd.Flags().GetString("input")
	opts.Output, _ = cmd.Flags().GetString("output")

	if cmd.Flags().Changed("provider") {
		opts.Provider, _ = cmd.Flags().GetString("provider")
	}
	if cmd.Flags().Changed("threads") {
		opts.NumThreads, _ = cmd.Flags().GetInt("threads")
	}

	res, err := upscale.Upscale(cmd.Context(), opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Upscaled %dx%d to %dx%d on %s in %s\n",
		res.InputSize.X, res.InputSize.Y, res.OutputSize.X, res.OutputSize.Y, res.Provider, res.Elapsed.Round(time.Millisecond))
	return nil
}
