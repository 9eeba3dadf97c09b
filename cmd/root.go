/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/krobus00/kis-gateway/internal/config"
	"github.com/krobus00/kis-gateway/internal/constant"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kis-gateway",
	Short: "Real-time market data gateway for Korea Investment & Securities",
	Long: `kis-gateway keeps a single streaming session to the KIS real-time feed,
fans decoded executions and order books out to in-process subscribers, and
serves the latest quote per symbol over HTTP with a REST fallback.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		logrus.SetReportCaller(config.Env.Log.ShowCaller)

		if config.Env.Env == constant.ProductionEnvironment {
			logrus.SetFormatter(&logrus.JSONFormatter{})
		}

		logLevel, err := logrus.ParseLevel(config.Env.Log.LogLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(logLevel)

		if logFile := config.Env.Log.File; strings.TrimSpace(logFile.Path) != "" {
			logrus.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
				Filename:   logFile.Path,
				MaxSize:    logFile.MaxSizeMB,
				MaxBackups: logFile.MaxBackups,
				MaxAge:     logFile.MaxAgeDays,
				Compress:   logFile.Compress,
			}))
		}

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: ./config.yml)")
}
