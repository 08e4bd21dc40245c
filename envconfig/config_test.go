package envconfig

import (
	"log/slog"
	"testing"

	"github.com/ultrasharp/ultrasharp/logutil"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     logutil.LevelTrace,
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("ULTRASHARP_DEBUG", value)
			if got := LogLevel(); got != want {
				t.Errorf("LogLevel() = %v, erwartet %v", got, want)
			}
		})
	}
}

func TestVarTrimsQuotes(t *testing.T) {
	t.Setenv("ULTRASHARP_ORT_LIBRARY", ` "/opt/ort/libonnxruntime.so" `)
	if got := OrtLibrary(); got != "/opt/ort/libonnxruntime.so" {
		t.Errorf("OrtLibrary() = %q", got)
	}
}

func TestUintInvalidFallsBack(t *testing.T) {
	t.Setenv("ULTRASHARP_NUM_THREADS", "viele")
	if got := NumThreads(); got != 0 {
		t.Errorf("NumThreads() = %d, erwartet Default 0", got)
	}

	t.Setenv("ULTRASHARP_NUM_THREADS", "8")
	if got := NumThreads(); got != 8 {
		t.Errorf("NumThreads() = %d, erwartet 8", got)
	}
}

func TestBoolWithDefault(t *testing.T) {
	get := BoolWithDefault("ULTRASHARP_TEST_BOOL")

	t.Setenv("ULTRASHARP_TEST_BOOL", "")
	if !get(true) {
		t.Error("leere Variable sollte Default liefern")
	}

	t.Setenv("ULTRASHARP_TEST_BOOL", "False")
	if get(true) {
		t.Error("False sollte false liefern")
	}

	t.Setenv("ULTRASHARP_TEST_BOOL", "vielleicht")
	if get(false) {
		t.Error("ungueltiger Wert sollte Default liefern")
	}
}

func TestProviderDefault(t *testing.T) {
	t.Setenv("ULTRASHARP_PROVIDER", "")
	if got := Provider(); got != "cuda" {
		t.Errorf("Provider() = %q, erwartet cuda", got)
	}

	t.Setenv("ULTRASHARP_PROVIDER", "CPU")
	if got := Provider(); got != "cpu" {
		t.Errorf("Provider() = %q, erwartet cpu", got)
	}
}

func TestAsMapKeys(t *testing.T) {
	m := AsMap()
	for _, k := range []string{"ULTRASHARP_DEBUG", "ULTRASHARP_ORT_LIBRARY", "ULTRASHARP_NUM_THREADS", "ULTRASHARP_PROVIDER"} {
		if _, ok := m[k]; !ok {
			t.Errorf("AsMap() fehlt %s", k)
		}
	}
}
