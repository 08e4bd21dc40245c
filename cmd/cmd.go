// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs, normalizeFlagName
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ultrasharp/ultrasharp/envconfig"
	"github.com/ultrasharp/ultrasharp/version"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// normalizeFlagName - "--quant-format" und "--quant_format" sind dasselbe Flag
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "ultrasharp",
		Short:         "Export, quantize and run ESRGAN-style upscaler models as ONNX",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Fprintf(cmd.OutOrStdout(), "ultrasharp version is %s\n", version.Version)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	exportCmd := newExportCmd()
	quantizeCmd := newQuantizeCmd()
	upscaleCmd := newUpscaleCmd()
	inspectCmd := newInspectCmd()

	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{exportCmd, quantizeCmd, upscaleCmd, inspectCmd} {
		switch cmd {
		case upscaleCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["ULTRASHARP_DEBUG"],
				envVars["ULTRASHARP_ORT_LIBRARY"],
				envVars["ULTRASHARP_NUM_THREADS"],
				envVars["ULTRASHARP_PROVIDER"],
			})
		default:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["ULTRASHARP_DEBUG"]})
		}
	}

	rootCmd.AddCommand(
		exportCmd,
		quantizeCmd,
		upscaleCmd,
		inspectCmd,
	)
	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)

	return rootCmd
}
