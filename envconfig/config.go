// config.go - Haupt-Konfigurationsfunktionen fuer ultrasharp
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (ULTRASHARP_DEBUG)
// - OrtLibrary: Pfad zur onnxruntime Shared Library (ULTRASHARP_ORT_LIBRARY)
// - NumThreads: Intra-Op Threads fuer ONNX Runtime (ULTRASHARP_NUM_THREADS)
// - Provider: Erster Execution Provider (ULTRASHARP_PROVIDER)
//
// Getter und AsMap liegen in config_utils.go
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via ULTRASHARP_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ULTRASHARP_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// OrtLibrary ist der Pfad zur onnxruntime Shared Library (leer = System-Default)
	OrtLibrary = String("ULTRASHARP_ORT_LIBRARY")
	// NumThreads setzt die Intra-Op Threads fuer ONNX Runtime (0 = auto)
	NumThreads = Uint("ULTRASHARP_NUM_THREADS", 0)
)

// Provider gibt den ersten zu probierenden Execution Provider zurueck
// Konfigurierbar via ULTRASHARP_PROVIDER
// Default: cuda
func Provider() string {
	if s := strings.ToLower(Var("ULTRASHARP_PROVIDER")); s != "" {
		return s
	}
	return "cuda"
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
