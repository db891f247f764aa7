package cmd

import (
	"github.com/spf13/cobra"
)

var (
	verbose bool
	debug   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "skein",
	Short: "Skein messaging server",
	Long: `Skein is a WebSocket messaging substrate that multiplexes
request/reply RPC, fire-and-forget events, and publish/subscribe
channel messaging over a single connection.

The wire format (JSON, EDN or msgpack) is negotiated per connection
via the WebSocket subprotocol.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
}
