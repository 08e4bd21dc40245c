// logutil.go - Logger-Aufbau fuer alle Kommandos
// Hauptfunktionen: NewLogger, Trace
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

// LevelTrace liegt unterhalb von DEBUG (ULTRASHARP_DEBUG=2)
const LevelTrace slog.Level = -8

// NewLogger - Erstellt einen Text-Logger mit kurzer Quellangabe
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if level, ok := attr.Value.Any().(slog.Level); ok && level == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				if source, ok := attr.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			}
			return attr
		},
	}))
}

// Trace - Loggt auf TRACE-Level ueber den Default-Logger.
// Die Quellangabe zeigt auf den Aufrufer, nicht auf Trace selbst.
func Trace(msg string, args ...any) {
	ctx := context.TODO()
	h := slog.Default().Handler()
	if !h.Enabled(ctx, LevelTrace) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(2, pcs[:]) // runtime.Callers, Trace
	r := slog.NewRecord(time.Now(), LevelTrace, msg, pcs[0])
	r.Add(args...)
	_ = h.Handle(ctx, r)
}
