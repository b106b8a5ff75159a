// Package cmd implements the command-line interface for adwatch.
// It provides the root command and the serve subcommand that runs the
// monitoring service.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/adwatch/cmd/serve"
)

var (
	// cfgFile holds the path to the configuration file.
	cfgFile string

	// Debug enables debug logging for all commands.
	Debug bool

	rootCmd = &cobra.Command{
		Use:   "adwatch",
		Short: "A classifieds listing monitor",
		Long: `Polls Avito and Cian search pages, deduplicates listings and
delivers new ones to Telegram, rotating the proxy IP when a platform
blocks us.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	// Load .env early so environment variables are available to viper.
	_ = godotenv.Load()

	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"",
		"config file (default is ./config.yaml, ./config/config.yaml, or /etc/adwatch/config.yaml)",
	)
	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("adwatch version %s\n", "1.0.0")
		},
	})

	rootCmd.AddCommand(serve.Command())
}

// ExitWithError prints the error and terminates with a non-zero status.
func ExitWithError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
