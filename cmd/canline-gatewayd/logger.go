package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/canline-gateway/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	lvl := logging.ParseLevel(level)
	l := logging.New(format, lvl, os.Stderr).With("app", "canline-gatewayd")
	logging.Set(l)
	return l
}
