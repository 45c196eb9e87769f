package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/fetch"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/poll"
	"github.com/aristath/taskflow/internal/scheduler"
)

// JobKind selects how a job is run.
type JobKind int

const (
	// JobFetch performs a single data-mode fetch.
	JobFetch JobKind = iota
	// JobPoll polls until the resource reports it is finished.
	JobPoll
	// JobDownload downloads a JSON document into a cache file and parses it.
	JobDownload
)

func (k JobKind) String() string {
	switch k {
	case JobFetch:
		return "fetch"
	case JobPoll:
		return "poll"
	case JobDownload:
		return "download"
	default:
		return fmt.Sprintf("JobKind(%d)", int(k))
	}
}

// Job is one unit of work submitted to the runner.
type Job struct {
	Name    string
	Kind    JobKind
	Request fetch.Request
}

// Model is the generic decoded form of a JSON object.
type Model = map[string]any

// TaskResult represents the outcome of a job.
type TaskResult struct {
	Job      string
	TaskID   string
	Success  bool
	Payload  Model   // JobFetch and JobPoll
	Models   []Model // JobDownload
	Rounds   int     // JobPoll
	Errors   []error
	Duration time.Duration
}

// RunnerConfig configures the runner.
type RunnerConfig struct {
	Config    *config.Config
	Logger    *zap.Logger
	Bus       *events.EventBus  // Optional; receives lifecycle, progress and alert events
	Store     persistence.Store // Optional; receives poll results and task runs
	Transport fetch.Transport   // Overrides the HTTP session built from Config
	Resolver  fetch.Resolver    // Overrides DNS resolution for the reachability condition
}

// Runner executes jobs on a shared scheduler with one HTTP session.
type Runner struct {
	cfg       *config.Config
	logger    *zap.Logger
	bus       *events.EventBus
	store     persistence.Store
	resolver  fetch.Resolver
	transport fetch.Transport
	activity  *fetch.Activity
	locks     *fetch.PathLocks
	queue     *scheduler.Scheduler

	mu      sync.Mutex
	results []TaskResult
}

// NewRunner creates a runner. The scheduler, HTTP session and breaker are
// built from cfg.Config.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	c := cfg.Config
	if c == nil {
		c = config.DefaultConfig()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		cfg:      c,
		logger:   logger.Named("runner"),
		bus:      cfg.Bus,
		store:    cfg.Store,
		resolver: cfg.Resolver,
		locks:    fetch.NewPathLocks(),
	}

	r.transport = cfg.Transport
	if r.transport == nil {
		r.transport = &http.Client{Timeout: c.HTTP.Timeout.Std()}
	}
	if c.HTTP.Breaker.Enabled {
		r.transport = fetch.NewBreakerTransport(r.transport, fetch.BreakerSettings{
			MaxRequests:         c.HTTP.Breaker.MaxRequests,
			Timeout:             c.HTTP.Breaker.Timeout.Std(),
			ConsecutiveFailures: c.HTTP.Breaker.ConsecutiveFailures,
		}, logger)
	}

	r.activity = fetch.NewActivity(func(active int) {
		r.logger.Debug("network activity", zap.Int("active", active))
	})

	observers := []scheduler.Observer{scheduler.LogObserver(logger.Named("tasks"))}
	if r.bus != nil {
		observers = append(observers, events.NewObserver(r.bus))
	}
	r.queue = scheduler.New(scheduler.Config{
		Name:           "main",
		MaxConcurrency: c.Scheduler.MaxConcurrency,
		Observers:      observers,
		Logger:         logger,
	})
	return r, nil
}

// Queue returns the runner's scheduler.
func (r *Runner) Queue() *scheduler.Scheduler { return r.queue }

// Activity returns the network activity counter shared by every fetch.
func (r *Runner) Activity() *fetch.Activity { return r.activity }

// Run submits jobs and waits until every job has finished or ctx is done.
// When ctx is done, queued work is cancelled and drained before returning.
func (r *Runner) Run(ctx context.Context, jobs ...Job) ([]TaskResult, error) {
	if r.bus != nil {
		watchCtx, stop := context.WithCancel(ctx)
		defer stop()
		go events.WatchProgress(watchCtx, r.bus, r.queue, 100*time.Millisecond)
	}

	tasks := make([]*scheduler.Task, 0, len(jobs))
	for _, job := range jobs {
		t, err := r.build(job)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", job.Name, err)
		}
		if r.store != nil {
			if err := t.AddObserver(persistence.RunRecorder(r.store, r.logger)); err != nil {
				return nil, err
			}
		}
		tasks = append(tasks, t)
	}
	if err := r.queue.Add(tasks...); err != nil {
		return nil, err
	}
	r.logger.Info("jobs submitted", zap.Int("jobs", len(jobs)))

	if err := r.queue.Wait(ctx); err != nil {
		r.logger.Warn("cancelling queued work", zap.Error(err))
		r.queue.CancelAll()
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.queue.Wait(drainCtx)
		return r.Results(), err
	}
	return r.Results(), nil
}

// Results returns the results recorded so far, in completion order.
func (r *Runner) Results() []TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskResult, len(r.results))
	copy(out, r.results)
	return out
}

func (r *Runner) build(job Job) (*scheduler.Task, error) {
	req := job.Request
	req.Headers = r.headers(req.Headers)
	name := job.Name
	if name == "" {
		name = job.Kind.String()
	}

	switch job.Kind {
	case JobFetch:
		return r.buildFetch(name, req)
	case JobPoll:
		return r.buildPoll(name, req)
	case JobDownload:
		return r.buildDownload(name, req)
	default:
		return nil, fmt.Errorf("unknown job kind %s", job.Kind)
	}
}

// headers merges the configured default headers under the job's own.
func (r *Runner) headers(own map[string]string) map[string]string {
	if len(r.cfg.HTTP.Headers) == 0 {
		return own
	}
	merged := maps.Clone(r.cfg.HTTP.Headers)
	maps.Copy(merged, own)
	return merged
}

func (r *Runner) fetchOptions(name string) fetch.Options {
	return fetch.Options{
		Name:      name,
		Transport: r.transport,
		Resolver:  r.resolver,
		Activity:  r.activity,
		Locks:     r.locks,
		Exclusive: true,
		Logger:    r.logger,
	}
}

func (r *Runner) buildFetch(name string, req fetch.Request) (*scheduler.Task, error) {
	f, err := fetch.New(req, r.fetchOptions(name))
	if err != nil {
		return nil, err
	}
	err = f.Task().AddObserver(scheduler.ObserverFuncs{
		Finish: func(t *scheduler.Task, errs []error) {
			if a, ok := fetch.AlertForAny(errs); ok {
				r.alert(a)
			}
			r.record(t, TaskResult{Job: name, Payload: f.Payload()}, errs)
		},
	})
	return f.Task(), err
}

func (r *Runner) buildPoll(name string, req fetch.Request) (*scheduler.Task, error) {
	cfg := poll.Config[Model]{
		Name:      name,
		Initial:   req,
		Fetch:     r.fetchOptions(""),
		MaxRounds: r.cfg.Poll.MaxRounds,
		Alert:     r.alert,
		Logger:    r.logger,
	}
	if p := r.cfg.Poll; p.InitialInterval > 0 {
		cfg.Delay = poll.ExponentialDelay(p.InitialInterval.Std(), p.MaxInterval.Std(), p.Multiplier)
	}
	if r.bus != nil {
		cfg.OnRound = events.PollRounds(r.bus, name)
	}
	if r.store != nil {
		cfg.Store = r.store
	}

	w, err := poll.New(cfg)
	if err != nil {
		return nil, err
	}
	err = w.Task().AddObserver(scheduler.ObserverFuncs{
		Finish: func(t *scheduler.Task, errs []error) {
			model, _ := w.Model()
			r.record(t, TaskResult{Job: name, Payload: model, Rounds: w.Rounds()}, errs)
		},
	})
	return w.Task(), err
}

func (r *Runner) buildDownload(name string, req fetch.Request) (*scheduler.Task, error) {
	m, err := poll.GetModel(poll.ModelConfig[Model]{
		Name:    name,
		Request: req,
		Fetch:   r.fetchOptions(""),
		Alert:   r.alert,
		Logger:  r.logger,
	})
	if err != nil {
		return nil, err
	}
	err = m.Task().AddObserver(scheduler.ObserverFuncs{
		Finish: func(t *scheduler.Task, errs []error) {
			r.record(t, TaskResult{Job: name, Models: m.Models()}, errs)
		},
	})
	return m.Task(), err
}

func (r *Runner) record(t *scheduler.Task, res TaskResult, errs []error) {
	res.TaskID = t.ID()
	res.Success = len(errs) == 0
	res.Errors = errs
	if started := t.StartedAt(); !started.IsZero() {
		res.Duration = time.Since(started)
	}

	if res.Success {
		r.logger.Info("job finished", zap.String("job", res.Job), zap.Duration("duration", res.Duration))
	} else {
		r.logger.Warn("job failed", zap.String("job", res.Job), zap.Errors("errors", errs))
	}

	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *Runner) alert(a scheduler.Alert) {
	r.logger.Warn(a.Title, zap.String("message", a.Message), zap.Error(a.Err))
	if r.bus != nil {
		events.Alerts(r.bus)(a)
	}
}
