package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mohammad-safakhou/fractal/config"
)

var version = "dev"

func main() {
	var cfgPath string
	var root = &cobra.Command{
		Use:           "fractal",
		Short:         "Recursive research orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	root.AddCommand(serveCMD(&cfgPath), runCMD(&cfgPath), decideCMD(&cfgPath), migrateCMD(&cfgPath), verifyCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(g config.GeneralConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if g.Debug {
		zc = zap.NewDevelopmentConfig()
	}
	if lvl := strings.TrimSpace(g.LogLevel); lvl != "" {
		l, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("general.log_level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(l)
	}
	return zc.Build()
}

// setup loads configuration and the logger every command starts from.
func setup(cfgPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
