package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"go.uber.org/multierr"

	"github.com/aristath/taskflow/internal/config"
)

const (
	SaveGlobal  = "global"
	SaveProject = "project"
)

// SettingsForm edits the persisted configuration.
type SettingsForm struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string

	// Form field bindings (strings for Huh)
	saveTarget         string
	maxConcurrency     string
	httpTimeout        string
	breakerEnabled     bool
	breakerMaxRequests string
	breakerTimeout     string
	breakerFailures    string
	pollInitial        string
	pollMax            string
	pollMultiplier     string
	pollMaxRounds      string
	logLevel           string
	logFormat          string
}

// NewSettingsForm creates a form initialized from cfg.
func NewSettingsForm(cfg *config.Config, globalPath, projectPath string) *SettingsForm {
	f := &SettingsForm{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,

		saveTarget:         SaveGlobal,
		maxConcurrency:     strconv.Itoa(cfg.Scheduler.MaxConcurrency),
		httpTimeout:        cfg.HTTP.Timeout.Std().String(),
		breakerEnabled:     cfg.HTTP.Breaker.Enabled,
		breakerMaxRequests: strconv.FormatUint(uint64(cfg.HTTP.Breaker.MaxRequests), 10),
		breakerTimeout:     cfg.HTTP.Breaker.Timeout.Std().String(),
		breakerFailures:    strconv.FormatUint(uint64(cfg.HTTP.Breaker.ConsecutiveFailures), 10),
		pollInitial:        cfg.Poll.InitialInterval.Std().String(),
		pollMax:            cfg.Poll.MaxInterval.Std().String(),
		pollMultiplier:     strconv.FormatFloat(cfg.Poll.Multiplier, 'g', -1, 64),
		pollMaxRounds:      strconv.Itoa(cfg.Poll.MaxRounds),
		logLevel:           cfg.Log.Level,
		logFormat:          cfg.Log.Format,
	}
	f.buildForm()
	return f
}

func (f *SettingsForm) buildForm() {
	f.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global ("+f.globalPath+")", SaveGlobal),
					huh.NewOption("Project ("+f.projectPath+")", SaveProject),
				).
				Value(&f.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxConcurrency").
				Title("Max Concurrency").
				Description("0 = unlimited").
				Value(&f.maxConcurrency).
				Validate(validateCount),
			huh.NewInput().
				Key("httpTimeout").
				Title("Request Timeout").
				Value(&f.httpTimeout).
				Placeholder("30s").
				Validate(validateDuration),
		).Title("Scheduler"),

		huh.NewGroup(
			huh.NewConfirm().
				Key("breakerEnabled").
				Title("Circuit Breaker").
				Affirmative("On").
				Negative("Off").
				Value(&f.breakerEnabled),
			huh.NewInput().
				Key("breakerFailures").
				Title("Failures Before Tripping").
				Value(&f.breakerFailures).
				Validate(validateCount),
			huh.NewInput().
				Key("breakerTimeout").
				Title("Open Duration").
				Value(&f.breakerTimeout).
				Validate(validateDuration),
			huh.NewInput().
				Key("breakerMaxRequests").
				Title("Half-Open Requests").
				Value(&f.breakerMaxRequests).
				Validate(validateCount),
		).Title("Circuit Breaker"),

		huh.NewGroup(
			huh.NewInput().
				Key("pollInitial").
				Title("Initial Interval").
				Value(&f.pollInitial).
				Validate(validateDuration),
			huh.NewInput().
				Key("pollMax").
				Title("Max Interval").
				Value(&f.pollMax).
				Validate(validateDuration),
			huh.NewInput().
				Key("pollMultiplier").
				Title("Multiplier").
				Value(&f.pollMultiplier).
				Validate(validateMultiplier),
			huh.NewInput().
				Key("pollMaxRounds").
				Title("Max Rounds").
				Description("0 = unlimited").
				Value(&f.pollMaxRounds).
				Validate(validateCount),
		).Title("Polling"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("logLevel").
				Title("Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&f.logLevel),
			huh.NewSelect[string]().
				Key("logFormat").
				Title("Format").
				Options(huh.NewOptions("console", "json")...).
				Value(&f.logFormat),
		).Title("Logging"),
	)
}

// Form returns the underlying Huh form.
func (f *SettingsForm) Form() *huh.Form { return f.form }

// Run shows the form and saves the result. It returns the path written.
func (f *SettingsForm) Run(ctx context.Context) (string, error) {
	if err := f.form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return f.Save()
}

// Path returns the file the form saves to.
func (f *SettingsForm) Path() string {
	if f.saveTarget == SaveProject {
		return f.projectPath
	}
	return f.globalPath
}

// Save validates the field values and writes the resulting configuration.
func (f *SettingsForm) Save() (string, error) {
	cfg, err := f.apply()
	if err != nil {
		return "", err
	}
	path := f.Path()
	if err := config.Save(cfg, path); err != nil {
		return "", err
	}
	f.config = cfg
	return path, nil
}

// apply returns a copy of the configuration with the field values applied.
func (f *SettingsForm) apply() (*config.Config, error) {
	cfg := *f.config
	var errs error

	cfg.Scheduler.MaxConcurrency, errs = parseField(errs, "max concurrency", f.maxConcurrency, strconv.Atoi)
	cfg.HTTP.Timeout, errs = parseField(errs, "request timeout", f.httpTimeout, parseDuration)
	cfg.HTTP.Breaker.Enabled = f.breakerEnabled
	cfg.HTTP.Breaker.MaxRequests, errs = parseField(errs, "half-open requests", f.breakerMaxRequests, parseUint32)
	cfg.HTTP.Breaker.Timeout, errs = parseField(errs, "open duration", f.breakerTimeout, parseDuration)
	cfg.HTTP.Breaker.ConsecutiveFailures, errs = parseField(errs, "failures before tripping", f.breakerFailures, parseUint32)
	cfg.Poll.InitialInterval, errs = parseField(errs, "initial interval", f.pollInitial, parseDuration)
	cfg.Poll.MaxInterval, errs = parseField(errs, "max interval", f.pollMax, parseDuration)
	cfg.Poll.Multiplier, errs = parseField(errs, "multiplier", f.pollMultiplier, parseFloat)
	cfg.Poll.MaxRounds, errs = parseField(errs, "max rounds", f.pollMaxRounds, strconv.Atoi)
	cfg.Log.Level = f.logLevel
	cfg.Log.Format = f.logFormat
	if errs != nil {
		return nil, errs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseField[T any](errs error, name, raw string, parse func(string) (T, error)) (T, error) {
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return v, errs
}

func parseDuration(s string) (config.Duration, error) {
	d, err := time.ParseDuration(s)
	return config.Duration(d), err
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func validateCount(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return errors.New("enter a whole number")
	}
	if n < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return errors.New("enter a duration such as 500ms or 2s")
	}
	if d < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func validateMultiplier(s string) error {
	v, err := parseFloat(strings.TrimSpace(s))
	if err != nil {
		return errors.New("enter a number")
	}
	if v < 1 {
		return errors.New("must be at least 1")
	}
	return nil
}
