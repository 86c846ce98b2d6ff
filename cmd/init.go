package main

import (
	"log/slog"
	"os"

	"logcore/internal/config"
)

// initConfig loads the cluster configuration document. If the file is
// absent this falls back to a single-node development configuration.
func initConfig(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return config.Default(), nil
		}
		return config.Config{}, err
	}
	return config.Parse(data)
}

// initLogger configures the global slog.Logger.
func initLogger(jsonOutput bool) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: true}
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
