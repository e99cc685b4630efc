package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"otc-settlement/internal/app"
	"otc-settlement/internal/config"
	"otc-settlement/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "otcsettle",
	Short: "OTC trade settlement core: decisions, job queue, approvals and alerts",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.New(cfg.Logging, os.Stderr)
		appHandle = app.NewApp(cfg, logger)
		appHandle.SetOutput(cmd.OutOrStdout())
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(rfqCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(flagsCmd)
	rootCmd.AddCommand(walletsCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
