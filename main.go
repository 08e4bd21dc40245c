// MODUL: main
// ZWECK: Einstiegspunkt der ultrasharp CLI
// INPUT: Kommandozeile, Umgebungsvariablen (ULTRASHARP_*)
// OUTPUT: Exit-Code 0 bei Erfolg, 1 bei Fehler
// NEBENEFFEKTE: Setzt den Default-Logger, reagiert auf SIGINT/SIGTERM
// ABHAENGIGKEITEN: cmd, envconfig, logutil
// HINWEISE: Fehler gehen als "Error: ..." nach stderr, Logs ebenfalls

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ultrasharp/ultrasharp/cmd"
	"github.com/ultrasharp/ultrasharp/envconfig"
	"github.com/ultrasharp/ultrasharp/logutil"
)

func main() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.NewCLI().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
