package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/KarpelesLab/proxywrap/internal/forward"
)

var forwardCmd = &cobra.Command{
	Use:   `forward --backend=host:port`,
	Short: "Relay connections to a TCP backend",
	Long: `
Relay every connection to a TCP backend once its PROXY header, if any, was
stripped. With --send-proxy-header the backend gets a fresh v2 header carrying
the client address.

Relay to a local service: proxywrap forward --listen=:443 --backend=127.0.0.1:8443
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		if c.Forward.Backend == "" {
			return errors.New("no backend, set --backend or [forward] backend")
		}
		log, err := c.logger()
		if err != nil {
			return err
		}

		f := &forward.Forwarder{
			Backend:         c.Forward.Backend,
			DialTimeout:     c.Forward.DialTimeout.Duration,
			SendProxyHeader: c.Forward.SendProxyHeader,
			Logger:          log,
		}
		return run(cmd.Context(), c, f, log)
	},
}

func init() {
	forwardCmd.Flags().StringP("backend", "b", "", "backend address")
	forwardCmd.Flags().Duration("dial-timeout", 0, "backend dial timeout (default 5s)")
	forwardCmd.Flags().Bool("send-proxy-header", false, "send a PROXY v2 header to the backend")
}
