package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/config"
	"github.com/benvon/dermin/internal/logger"
	"github.com/benvon/dermin/internal/models"
)

// Runtime builds the core for a command invocation
type Runtime struct {
	NewApp func(ctx context.Context, opts app.Options) (*app.App, error)
}

// DefaultRuntime loads configuration from the environment
func DefaultRuntime() *Runtime {
	return &Runtime{NewApp: func(ctx context.Context, opts app.Options) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		zapLogger, err := logger.New(cfg.LogFormat, cfg.DebugMode)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a, err := app.New(ctx, cfg, zapLogger, opts)
		if err != nil {
			_ = logger.Sync(zapLogger)
			return nil, err
		}
		return a, nil
	}}
}

// run builds the core, hands it to fn and closes it afterwards
func (rt *Runtime) run(cmd *cobra.Command, opts app.Options, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := rt.NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.Logger.Warn("app_close_failed", zap.Error(err))
		}
		_ = logger.Sync(a.Logger)
	}()
	return fn(ctx, a)
}

// NewRootCmd assembles the dermin command tree
func NewRootCmd(rt *Runtime) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dermin",
		Short:         "Dermin skin analysis client",
		Long:          "Sign in, complete onboarding, analyze skin photos and chat about the results",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewLoginCmd(rt))
	rootCmd.AddCommand(NewRegisterCmd(rt))
	rootCmd.AddCommand(NewLogoutCmd(rt))
	rootCmd.AddCommand(NewWhoamiCmd(rt))
	rootCmd.AddCommand(NewCheckUserCmd(rt))
	rootCmd.AddCommand(NewProfileCmd(rt))
	rootCmd.AddCommand(NewConsentCmd(rt))
	rootCmd.AddCommand(NewSurveyCmd(rt))
	rootCmd.AddCommand(NewGateCmd(rt))
	rootCmd.AddCommand(NewAnalyzeCmd(rt))
	rootCmd.AddCommand(NewAnalysesCmd(rt))
	rootCmd.AddCommand(NewChatCmd(rt))
	rootCmd.AddCommand(NewServeCmd(rt))
	rootCmd.AddCommand(NewEventsCmd(rt))

	return rootCmd
}

// nextCommand names the command that unlocks a gate target
var nextCommand = map[models.Step]string{
	models.StepLogin:    "dermin login",
	models.StepRegister: "dermin register",
	models.StepConsent:  "dermin consent accept",
	models.StepSurvey:   "dermin survey submit",
}

// requireStep fails with a hint when the gate redirects away from step
func requireStep(ctx context.Context, a *app.App, step models.Step) error {
	d, err := a.Navigator.Navigate(ctx, step)
	if err != nil && d.Target != models.StepLogin {
		return err
	}
	if d.Granted {
		return nil
	}
	hint, ok := nextCommand[d.Target]
	if !ok {
		hint = "dermin gate " + string(d.Target)
	}
	return fmt.Errorf("%s is not available yet; continue with: %s", step, hint)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
