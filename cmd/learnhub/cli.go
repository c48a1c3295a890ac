package main

import (
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"learnhub/cmd/internal/app"
)

// cliLogger writes human-readable logs to stderr for one-shot commands.
func cliLogger(v *viper.Viper) *slog.Logger {
	level := v.GetString("LEARNHUB_LOG_LEVEL")
	return app.NewLogger(level, "text", os.Stderr)
}
