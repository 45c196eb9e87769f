package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/logging"
)

// options holds the persistent flags shared by every command.
type options struct {
	configPath     string
	storePath      string
	logLevel       string
	logFormat      string
	maxConcurrency int
	headers        []string
	tui            bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "taskflow",
		Short: "Run HTTP fetch, poll and download jobs on a task scheduler",
		Long: `taskflow schedules network jobs with dependencies, a concurrency limit and
exclusive file access. Poll jobs keep following the address a pending
resource reports until it is finished.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv("TASKFLOW_CONFIG"), "Config file (or TASKFLOW_CONFIG env); default ~/.taskflow and ./.taskflow")
	flags.StringVar(&opts.storePath, "store", os.Getenv("TASKFLOW_STORE"), "SQLite database for results and runs (or TASKFLOW_STORE env)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (console, json); overrides the config")
	flags.IntVar(&opts.maxConcurrency, "max-concurrency", 0, "Maximum concurrently executing jobs (0 = unlimited)")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, `Request header as "Name: value"; repeatable`)
	flags.BoolVar(&opts.tui, "tui", false, "Show the interactive monitor while jobs run")

	root.AddCommand(
		newFetchCmd(opts),
		newPollCmd(opts),
		newDownloadCmd(opts),
		newRunsCmd(opts),
		newResultsCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// setup loads the configuration, applies flag overrides and builds the logger.
func (o *options) setup(cmd *cobra.Command) error {
	var err error
	if o.configPath != "" {
		o.cfg, err = config.Load("", o.configPath)
	} else {
		o.cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("max-concurrency") {
		o.cfg.Scheduler.MaxConcurrency = o.maxConcurrency
	}
	if o.logLevel != "" {
		o.cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		o.cfg.Log.Format = o.logFormat
	}
	if o.storePath == "" {
		o.storePath = o.cfg.Store.Path
	}
	if err := o.cfg.Validate(); err != nil {
		return err
	}

	headers, err := parseHeaders(o.headers)
	if err != nil {
		return err
	}
	if len(headers) > 0 && o.cfg.HTTP.Headers == nil {
		o.cfg.HTTP.Headers = make(map[string]string, len(headers))
	}
	for k, v := range headers {
		o.cfg.HTTP.Headers[k] = v
	}

	// The monitor owns the terminal while it runs.
	if o.tui {
		o.logger = logging.NewWithWriter(logging.ParseLevel(o.cfg.Log.Level), o.cfg.Log.Format, io.Discard)
	} else {
		o.logger = logging.New(o.cfg.Log.Level, o.cfg.Log.Format)
	}
	return nil
}

// parseHeaders parses "Name: value" pairs.
func parseHeaders(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

// parseBody decodes a JSON object given on the command line.
func parseBody(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, fmt.Errorf("parse --body: %w", err)
	}
	return body, nil
}
