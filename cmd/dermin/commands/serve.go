package commands

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/bridge"
)

// NewServeCmd creates the serve command
func NewServeCmd(rt *Runtime) *cobra.Command {
	var host, port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP bridge for the web frontend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			opts := app.Options{AMQPAttempts: 5, AMQPInitialDelay: time.Second}
			return rt.run(cmd, opts, func(ctx context.Context, a *app.App) error {
				srv, err := bridge.New(a)
				if err != nil {
					return err
				}
				p := port
				if p == "" {
					p = a.Config.BridgePort
				}
				return srv.Run(ctx, net.JoinHostPort(host, p))
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Interface to listen on")
	cmd.Flags().StringVar(&port, "port", "", "Port to listen on (default BRIDGE_PORT)")

	return cmd
}
