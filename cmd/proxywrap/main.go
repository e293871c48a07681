// Command proxywrap runs a server behind the PROXY protocol v2 detector,
// either relaying connections to a TCP backend or answering HTTP requests
// with the client address it sees.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "proxywrap",
	Short: "PROXY protocol v2 aware server",
	Long: `
Accept connections that may start with a PROXY protocol v2 header, strip it
and serve them with the client address it carries.

Relay to a backend:  proxywrap forward --listen=:8080 --backend=127.0.0.1:9000
Debug a deployment:  proxywrap echo --listen=:8080
`,
	SilenceUsage: true,
}

func init() {
	addServerFlags(rootCmd)
	rootCmd.AddCommand(forwardCmd, echoCmd)
}

// addServerFlags registers the flags shared by every subcommand of cmd.
func addServerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "TOML configuration file")
	flags.StringP("listen", "l", ":8080", "address to listen on")
	flags.Duration("header-timeout", 0, "time allowed for the PROXY header to arrive (default 10s)")
	flags.Bool("no-delay", false, "set TCP_NODELAY on accepted connections")
	flags.Bool("handle-common-errors", true, "ignore resets, framing and handshake errors")
	flags.Int64("max-pending", 0, "connections allowed in header detection at once (default 1024)")
	flags.StringSlice("trusted-proxies", nil, "CIDRs allowed to send a PROXY header, empty trusts everyone")
	flags.String("metrics-listen", "", "address serving Prometheus metrics on /metrics")
	flags.String("log-level", "info", "log level")
	flags.BoolP("verbose", "V", false, "verbose mode, same as --log-level=debug")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
