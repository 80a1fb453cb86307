package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/benvon/dermin/internal/app"
)

// NewEventsCmd creates the events command
func NewEventsCmd(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect analysis completion events",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Print analysis completion events from RabbitMQ",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return rt.run(cmd, app.Options{AMQPAttempts: 3}, func(ctx context.Context, a *app.App) error {
				if a.AMQP == nil {
					return fmt.Errorf("RabbitMQ is not available; set RABBITMQ_URL")
				}
				deliveries, errs, err := a.AMQP.Consume(ctx)
				if err != nil {
					return err
				}
				a.Logger.Info("events_watch_started")
				for {
					select {
					case <-ctx.Done():
						return nil
					case err, ok := <-errs:
						if ok && err != nil {
							a.Logger.Warn("event_decode_failed", zap.Error(err))
						}
						if !ok {
							errs = nil
						}
					case ev, ok := <-deliveries:
						if !ok {
							return nil
						}
						if err := printJSON(cmd.OutOrStdout(), ev); err != nil {
							return err
						}
					}
				}
			})
		},
	})

	return cmd
}
