// Package cmd provides the CLI commands for streamable-server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ggoodman/mcp-streaming-http-go/internal/config"
)

var (
	cfgFile string
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "streamable-server",
	Short: "Streamable HTTP JSON-RPC server",
	Long: `streamable-server exposes a JSON-RPC processor over the Streamable HTTP
transport: POST for client messages, GET for server push streams and DELETE
to end a session.

Configuration:
  Config is loaded from streamable.yaml in the current directory,
  $HOME/.streamable/, or /etc/streamable/.

  Environment variables override config values with the STREAMABLE_ prefix.
  Example: STREAMABLE_SERVER_ADDR=:9090

Commands:
  serve           Start the server
  config schema   Print the JSON Schema of the config file
  config check    Validate a config file
  version         Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./streamable.yaml)")
}

func initConfig() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	v = config.NewViper(cfgFile)
}
