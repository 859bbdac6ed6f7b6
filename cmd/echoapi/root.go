package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	api "github.com/braviap/js-sdk"
)

type GlobalFlags struct {
	LogLevel    string
	LogFile     string
	MetricsAddr string
}

var (
	globalFlags GlobalFlags
	logger      api.Logger = api.NewNoopLogger()
	zlogger     *api.ZerologLogger
	metrics     *metricsServer
)

var rootCmd = &cobra.Command{
	Use:           "echoapi",
	Short:         "Echo API transport client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := api.ParseLoggerLevel(globalFlags.LogLevel)
		if err != nil {
			return err
		}
		if globalFlags.LogFile != "" {
			zlogger = api.NewFileLogger(globalFlags.LogFile, level)
		} else {
			zlogger = api.NewSimpleLogger(level)
		}
		logger = zlogger

		if globalFlags.MetricsAddr != "" {
			metrics, err = serveMetrics(globalFlags.MetricsAddr)
			if err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if metrics != nil {
			metrics.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "warning", "log level: debug|info|warning|error")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogFile, "log-file", "", "write logs to this file, rotated, instead of stderr")
	rootCmd.PersistentFlags().StringVar(&globalFlags.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. 127.0.0.1:9464")

	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(mockCmd)
}
