package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog.Logger shared by the API server and
// the worker. Deployments set LOG_FORMAT=json so entries land structured in
// the log pipeline; anything else gets the text handler for readable local
// output. AddSource stays on in both shapes since movement postings are
// traced back to call sites during incident review.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
