package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/realtime/internal/config"
	"github.com/zhouzirui/z-tavern/realtime/internal/logging"
)

var (
	cfg    *config.Config
	logger *zap.Logger

	verbose bool
)

// rootCmd is the assistant client entry point
var rootCmd = &cobra.Command{
	Use:   "assistant",
	Short: "Realtime client for the council assistant service",
	Long: `Talk to the assistant service over a persistent websocket.

Available subcommands:
  chat    - Interactive session with typed and spoken input
  health  - Show the service health report
  plugins - List the service plugins`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Printf("warning: failed to load .env file: %v", err)
		}

		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		cfg = loaded

		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, verbose)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(chatCmd, healthCmd, pluginsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
