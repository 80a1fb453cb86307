package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/models"
)

// NewConsentCmd creates the consent command
func NewConsentCmd(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "consent",
		Aliases: []string{"kvkk"},
		Short:   "Manage the privacy acknowledgment",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "accept",
		Short: "Accept the privacy notice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				rec, err := a.Onboarding.AcceptConsent(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Privacy notice accepted at %s\n", rec.AcceptedAt.Local().Format("2006-01-02 15:04"))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Withdraw the privacy acknowledgment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				if err := a.Onboarding.ResetConsent(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Privacy acknowledgment withdrawn")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the privacy acknowledgment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				rec, err := a.Onboarding.Consent(ctx)
				if err != nil {
					return err
				}
				if !rec.Accepted {
					fmt.Fprintln(cmd.OutOrStdout(), "Privacy notice not accepted")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Privacy notice accepted at %s\n", rec.AcceptedAt.Local().Format("2006-01-02 15:04"))
				return nil
			})
		},
	})

	return cmd
}

// loadAnswers reads survey answers from a YAML or JSON file
func loadAnswers(path string) (models.SurveyAnswers, error) {
	var answers models.SurveyAnswers
	data, err := os.ReadFile(path)
	if err != nil {
		return answers, fmt.Errorf("failed to read survey file: %w", err)
	}
	// YAML is a superset of JSON; go through JSON so the json tags apply
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return answers, fmt.Errorf("failed to parse survey file: %w", err)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return answers, fmt.Errorf("failed to parse survey file: %w", err)
	}
	if err := json.Unmarshal(buf, &answers); err != nil {
		return answers, fmt.Errorf("failed to parse survey file: %w", err)
	}
	return answers, nil
}

// NewSurveyCmd creates the survey command
func NewSurveyCmd(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "survey",
		Short: "Complete or inspect the onboarding survey",
	}

	var file string
	var flagAnswers models.SurveyAnswers

	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit the survey",
		Long:  "Submit the survey from a YAML or JSON file, from flags, or both. Flags win over the file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var answers models.SurveyAnswers
			if file != "" {
				var err error
				if answers, err = loadAnswers(file); err != nil {
					return err
				}
			}
			flags := cmd.Flags()
			if flags.Changed("age") {
				answers.Age = flagAnswers.Age
			}
			if flags.Changed("skin-type") {
				answers.SkinType = flagAnswers.SkinType
			}
			if flags.Changed("gender") {
				answers.Gender = flagAnswers.Gender
			}
			if flags.Changed("sun-sensitivity") {
				answers.SunSensitivity = flagAnswers.SunSensitivity
			}
			if flags.Changed("itching") {
				answers.Itching = flagAnswers.Itching
			}
			if flags.Changed("allergies") {
				answers.Allergies = flagAnswers.Allergies
			}
			if flags.Changed("conditions") {
				answers.FacialConditions = flagAnswers.FacialConditions
			}

			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				rec, err := a.Onboarding.SubmitSurvey(ctx, answers)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Survey saved (%s)\n", rec.ID)
				fmt.Fprintln(cmd.OutOrStdout(), "Next: dermin analyze <image>")
				return nil
			})
		},
	}
	submit.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON file with the answers")
	submit.Flags().IntVar(&flagAnswers.Age, "age", 0, "Age in years")
	submit.Flags().StringVar(&flagAnswers.SkinType, "skin-type", "", "normal, dry, oily, combination or sensitive")
	submit.Flags().StringVar(&flagAnswers.Gender, "gender", "", "female, male, other or unspecified")
	submit.Flags().StringVar(&flagAnswers.SunSensitivity, "sun-sensitivity", "", "low, medium or high")
	submit.Flags().StringVar(&flagAnswers.Itching, "itching", "", "low, medium or high")
	submit.Flags().StringVar(&flagAnswers.Allergies, "allergies", "", "Known allergies")
	submit.Flags().StringSliceVar(&flagAnswers.FacialConditions, "conditions", nil, "Facial conditions, comma separated")
	cmd.AddCommand(submit)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the survey is complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				status, err := a.Onboarding.SurveyStatus(ctx)
				if err != nil {
					return err
				}
				switch {
				case status.Completed:
					fmt.Fprintln(cmd.OutOrStdout(), "Survey completed")
				case !status.Reconciled:
					fmt.Fprintln(cmd.OutOrStdout(), "Survey status unknown (server unreachable); treated as incomplete")
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "Survey not completed")
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored survey",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				rec, err := a.Onboarding.MySurvey(ctx)
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "No survey on file")
					return nil
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	})

	return cmd
}

// NewGateCmd creates the gate command
func NewGateCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "gate <step>",
		Short: "Show where a navigation request would land",
		Long:  "Resolve a step (login, register, consent, survey, dashboard, analyze, results, chat, analyses, settings) against the onboarding gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := models.ParseStep(args[0])
			if err != nil {
				return err
			}
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				d, err := a.Navigator.Navigate(ctx, step)
				if err != nil && d.Target != models.StepLogin {
					return err
				}
				if d.Granted {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: granted\n", step)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: redirected to %s\n", step, d.Target)
				return nil
			})
		},
	}
}
