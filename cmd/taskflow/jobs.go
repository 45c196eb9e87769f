package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/fetch"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/tui"
)

func newFetchCmd(opts *options) *cobra.Command {
	var method, body string

	cmd := &cobra.Command{
		Use:   "fetch <url>...",
		Short: "Fetch JSON objects, one job per URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseBody(body)
			if err != nil {
				return err
			}
			jobs := make([]orchestrator.Job, 0, len(args))
			for _, raw := range args {
				u, err := parseURL(raw)
				if err != nil {
					return err
				}
				jobs = append(jobs, orchestrator.Job{
					Name:    jobName(u),
					Kind:    orchestrator.JobFetch,
					Request: fetch.Request{URL: u, Method: fetch.Method(strings.ToUpper(method)), Body: payload},
				})
			}
			return opts.run(cmd, jobs...)
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVarP(&body, "body", "d", "", "JSON object to send as the request body")
	return cmd
}

func newPollCmd(opts *options) *cobra.Command {
	var method, body, name string
	var maxRounds int

	cmd := &cobra.Command{
		Use:   "poll <url>",
		Short: "Fetch a resource and follow its poll address until it is finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := parseURL(args[0])
			if err != nil {
				return err
			}
			payload, err := parseBody(body)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-rounds") {
				opts.cfg.Poll.MaxRounds = maxRounds
			}
			if name == "" {
				name = jobName(u)
			}
			return opts.run(cmd, orchestrator.Job{
				Name:    name,
				Kind:    orchestrator.JobPoll,
				Request: fetch.Request{URL: u, Method: fetch.Method(strings.ToUpper(method)), Body: payload},
			})
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method of the initial request; follow-up polls use GET")
	cmd.Flags().StringVarP(&body, "body", "d", "", "JSON object to send with the initial request")
	cmd.Flags().StringVar(&name, "name", "", "Workflow name used for stored results (default: host and path)")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Limit on fetches issued (0 = unlimited); overrides the config")
	return cmd
}

func newDownloadCmd(opts *options) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "download <url>",
		Short: "Download a JSON document to a file and parse the models it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := parseURL(args[0])
			if err != nil {
				return err
			}
			return opts.run(cmd, orchestrator.Job{
				Name:    jobName(u),
				Kind:    orchestrator.JobDownload,
				Request: fetch.Request{URL: u, Mode: fetch.ModeDownload, CacheFile: out},
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Destination file")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// jobOutput is the printed form of orchestrator.TaskResult.
type jobOutput struct {
	Job      string               `json:"job"`
	TaskID   string               `json:"task_id"`
	Success  bool                 `json:"success"`
	Payload  orchestrator.Model   `json:"payload,omitempty"`
	Models   []orchestrator.Model `json:"models,omitempty"`
	Rounds   int                  `json:"rounds,omitempty"`
	Errors   []string             `json:"errors,omitempty"`
	Duration string               `json:"duration"`
}

// run executes jobs, prints their results as JSON and fails when any job did.
func (o *options) run(cmd *cobra.Command, jobs ...orchestrator.Job) error {
	ctx := cmd.Context()
	defer func() { _ = o.logger.Sync() }()

	var store persistence.Store
	if o.storePath != "" {
		s, err := persistence.NewSQLiteStore(ctx, o.storePath)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	var bus *events.EventBus
	if o.tui {
		bus = events.NewEventBus()
		defer bus.Close()
	}

	runner, err := orchestrator.NewRunner(orchestrator.RunnerConfig{
		Config: o.cfg,
		Logger: o.logger,
		Bus:    bus,
		Store:  store,
	})
	if err != nil {
		return err
	}

	var results []orchestrator.TaskResult
	if bus != nil {
		results, err = runWithMonitor(ctx, runner, bus, o.logger, jobs)
	} else {
		results, err = runner.Run(ctx, jobs...)
	}
	if printErr := printResults(cmd.OutOrStdout(), results); printErr != nil && err == nil {
		err = printErr
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(results))
	}
	return nil
}

// runWithMonitor runs jobs while the monitor shows their progress. The
// monitor stays open after the jobs finish until the user quits it.
func runWithMonitor(ctx context.Context, runner *orchestrator.Runner, bus *events.EventBus, logger *zap.Logger, jobs []orchestrator.Job) ([]orchestrator.TaskResult, error) {
	p := tea.NewProgram(tui.New(bus), tea.WithAltScreen(), tea.WithContext(ctx))

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	results, err := runner.Run(ctx, jobs...)
	bus.Close()

	select {
	case uiErr := <-errChan:
		if uiErr != nil && ctx.Err() == nil {
			logger.Warn("monitor exited with error", zap.Error(uiErr))
		}
	case <-ctx.Done():
		p.Quit()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case <-errChan:
		case <-shutdownCtx.Done():
			logger.Warn("monitor did not exit in time")
		}
	}
	return results, err
}

func printResults(w io.Writer, results []orchestrator.TaskResult) error {
	out := make([]jobOutput, 0, len(results))
	for _, r := range results {
		o := jobOutput{
			Job:      r.Job,
			TaskID:   r.TaskID,
			Success:  r.Success,
			Payload:  r.Payload,
			Models:   r.Models,
			Rounds:   r.Rounds,
			Duration: r.Duration.Round(time.Millisecond).String(),
		}
		for _, err := range r.Errors {
			o.Errors = append(o.Errors, err.Error())
		}
		out = append(out, o)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q: missing host", raw)
	}
	return u, nil
}

// jobName names a job after the host and path it targets.
func jobName(u *url.URL) string {
	return u.Host + strings.TrimSuffix(u.Path, "/")
}
