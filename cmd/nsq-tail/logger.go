package main

import (
	"log/slog"
	"os"

	"github.com/list-family/gonsq/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "nsq-tail")
	logging.Set(l)
	return l
}
