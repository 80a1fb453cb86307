package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benvon/dermin/internal/analysis"
	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/models"
)

// watchProgress prints job transitions until the channel closes
func watchProgress(w io.Writer, jobs <-chan models.AnalysisJob) {
	var last models.AnalysisJob
	for job := range jobs {
		if job.Status == models.JobStatusIdle || (job.Status == last.Status && job.Progress == last.Progress) {
			continue
		}
		fmt.Fprintf(w, "%-10s %3d%%\n", job.Status, job.Progress)
		last = job
	}
}

// readImage reads at most maxBytes+1 bytes so oversized files fail validation
// without being loaded whole
func readImage(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

func printResult(w io.Writer, res *models.AnalysisResult) {
	fmt.Fprintf(w, "Analysis %s\n", res.ID)
	if len(res.Predictions) == 0 {
		fmt.Fprintln(w, "  No conditions detected")
	}
	for _, p := range res.Predictions {
		fmt.Fprintf(w, "  %-20s %3.0f%%\n", p.ClassName, p.Confidence*100)
	}
	exp := res.AIExplanation
	if exp.GeneralCondition != "" {
		fmt.Fprintf(w, "Overall condition: %s\n", exp.GeneralCondition)
	}
	if exp.FullExplanation != "" {
		fmt.Fprintln(w, exp.FullExplanation)
	}
	if len(exp.Recommendations) > 0 {
		fmt.Fprintln(w, "Recommendations:")
		for _, r := range exp.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	if res.DoctorFlagged() {
		fmt.Fprintf(w, "Doctor consultation: %s\n", exp.DoctorConsultation)
	}
}

// NewAnalyzeCmd creates the analyze command
func NewAnalyzeCmd(rt *Runtime) *cobra.Command {
	var startChat, quiet bool

	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Upload a skin photo for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				if err := requireStep(ctx, a, models.StepAnalyze); err != nil {
					return err
				}
				data, err := readImage(path, a.Config.MaxUploadBytes)
				if err != nil {
					return err
				}

				// interrupting abandons the job; a late result is ignored
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				var wg sync.WaitGroup
				stopWatch := func() {}
				if !quiet {
					jobs, cancel := a.Analysis.Subscribe(16)
					wg.Add(1)
					go func() {
						defer wg.Done()
						watchProgress(cmd.ErrOrStderr(), jobs)
					}()
					stopWatch = func() {
						cancel()
						wg.Wait()
					}
				}

				job, err := a.Analysis.Submit(ctx, filepath.Base(path), data)
				stopWatch()
				if err != nil {
					return err
				}
				res, err := a.Analysis.Result(ctx, job.ID)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), res)

				if !startChat {
					fmt.Fprintf(cmd.OutOrStdout(), "Chat about it with: dermin chat %s\n", job.ID)
					return nil
				}
				return chatLoop(ctx, cmd, a, job.ID)
			})
		},
	}

	cmd.Flags().BoolVar(&startChat, "chat", false, "Open the analysis chat when the result is ready")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")

	return cmd
}

// NewAnalysesCmd creates the analyses command
func NewAnalysesCmd(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyses",
		Short: "Browse past analyses",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent analyses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				if err := requireStep(ctx, a, models.StepAnalyses); err != nil {
					return err
				}
				items, err := a.Analysis.History(ctx, limit)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No analyses yet")
					return nil
				}
				for _, it := range items {
					when := ""
					if it.CreatedAt != nil {
						when = it.CreatedAt.Local().Format("2006-01-02 15:04")
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-26s %-16s %s\n", it.ID, when, it.Status)
				}
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", analysis.DefaultHistoryLimit, "Maximum number of analyses")
	cmd.AddCommand(list)

	var asJSON bool
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one analysis result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				if err := requireStep(ctx, a, models.StepResults); err != nil {
					return err
				}
				res, err := a.Analysis.Result(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print the raw result as JSON")
	cmd.AddCommand(show)

	return cmd
}
