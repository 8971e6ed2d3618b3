// Package worker dispatches agent invocations as external processes, either
// one after another or as a concurrent fan-out, and collects their output
// into per-job sinks.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thechewu/pifan/pkg/events"
	"github.com/thechewu/pifan/pkg/invocation"
	"github.com/thechewu/pifan/pkg/logging"
	"github.com/thechewu/pifan/pkg/metrics"
	"github.com/thechewu/pifan/pkg/template"
)

// SinkStdout routes a job's output to the dispatcher's Stdout writer.
const SinkStdout = "-"

// EventsSuffix is appended to a file sink to hold the raw event stream of
// json-mode jobs. The sink itself receives the final assistant text.
const EventsSuffix = ".events.jsonl"

var (
	// ErrTimeout marks a job killed by the dispatcher's per-job timeout.
	ErrTimeout = errors.New("invocation timed out")
	// ErrDuplicateSink rejects two jobs writing the same file.
	ErrDuplicateSink = errors.New("duplicate sink")
	// ErrDuplicateJob rejects two jobs with the same name.
	ErrDuplicateJob = errors.New("duplicate job name")
)

// Job is one invocation to dispatch.
type Job struct {
	Name   string
	Config invocation.Config
	Task   template.Task
	Prompt string // used verbatim instead of Task.Render() when non-empty
	Sink   string // file path, SinkStdout, or empty to keep output in memory
}

// Result is what one job produced. A failed job still carries whatever
// output the process emitted before it stopped.
type Result struct {
	Job        string
	Sink       string
	Invocation invocation.Invocation
	Stdout     []byte
	Stderr     []byte
	Text       string // final answer: stdout in text mode, assistant text in json mode
	ExitCode   int
	Err        error
	Started    time.Time
	Duration   time.Duration
}

// OK reports whether the job ran and exited zero.
func (r Result) OK() bool { return r.Err == nil && r.ExitCode == 0 }

// Status is a one-word outcome, used for metrics and manifests.
func (r Result) Status() string {
	switch {
	case r.OK():
		return "ok"
	case errors.Is(r.Err, ErrTimeout):
		return "timeout"
	case errors.Is(r.Err, context.Canceled):
		return "canceled"
	default:
		return "failed"
	}
}

// Dispatcher runs jobs. The zero value is not usable; set at least Builder.
type Dispatcher struct {
	Builder       *invocation.Builder
	Env           []string      // extra KEY=VALUE pairs for every job
	WorkDir       string        // process working directory, default current
	MaxParallel   int           // fan-out bound, 0 means launch everything at once
	Timeout       time.Duration // per job, 0 means none
	ContextBudget int           // per context file, bytes
	RunID         string
	Stdout        io.Writer // destination of SinkStdout, default os.Stdout
	Logger        *zap.Logger
	Metrics       *metrics.Recorder
	// OnDone, if set, sees every finished result, including jobs that
	// failed before launch. FanOut calls it from several goroutines.
	OnDone func(Result)

	mu      sync.Mutex
	running map[string]*exec.Cmd
	outMu   sync.Mutex
}

// nestingMarkers are stripped from the inherited environment so a worker
// started from inside another agent session does not think it is nested.
// pi marks its sessions with PI_CODING_AGENT; provider settings such as
// PI_API_KEY are passed through.
var nestingMarkers = []string{"PI_CODING_AGENT=", "PIFAN_JOB=", "PIFAN_RUN="}

// Active returns the names of jobs whose process is running right now.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.running))
	for name := range d.running {
		names = append(names, name)
	}
	return names
}

// Run dispatches a single job and blocks until it exits. A file sink exists
// afterwards even when the job failed before its process started.
func (d *Dispatcher) Run(ctx context.Context, job Job) Result {
	res := d.run(ctx, job)
	d.done(res)
	return res
}

func (d *Dispatcher) run(ctx context.Context, job Job) Result {
	log := logging.ForJob(d.Logger, d.RunID, job.Name)
	res := Result{Job: job.Name, Sink: job.Sink, Started: time.Now()}

	prompt, err := d.prompt(job, log)
	if err != nil {
		return d.fail(res, err, log)
	}
	inv, err := d.Builder.Build(job.Config, prompt)
	if err != nil {
		return d.fail(res, fmt.Errorf("build invocation: %w", err), log)
	}
	if inv.Mode == invocation.ModeRPC {
		return d.fail(res, errors.New("rpc mode jobs cannot be dispatched; use the rpc client"), log)
	}
	res.Invocation = inv

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Bin, inv.Args...)
	cmd.Dir = d.WorkDir
	cmd.Env = d.Environ(job.Name)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Stream into the file sink while the agent runs so it can be tailed.
	var live *os.File
	if path := d.livePath(job.Sink, inv.Mode); path != "" {
		live, err = createSink(path)
		if err != nil {
			return d.fail(res, fmt.Errorf("create sink: %w", err), log)
		}
		cmd.Stdout = io.MultiWriter(&stdout, live)
	}

	log.Info("starting agent",
		zap.String("model", inv.Model),
		zap.String("mode", string(inv.Mode)),
		zap.String("sink", job.Sink))
	log.Debug("agent command", zap.String("cmd", inv.String()))

	d.Metrics.Started()
	if err := cmd.Start(); err != nil {
		d.Metrics.Finished(string(inv.Mode), "failed", 0)
		if live != nil {
			live.Close()
		}
		return d.fail(res, fmt.Errorf("start agent: %w", err), log)
	}
	d.track(job.Name, cmd)

	waitErr := cmd.Wait()
	d.untrack(job.Name)
	if live != nil {
		live.Close()
	}

	res.Duration = time.Since(res.Started)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	res.Err = classifyWaitErr(ctx, waitErr, d.Timeout)
	res.Text = d.extractText(res, inv.Mode, log)

	if err := d.writeSink(job.Sink, inv.Mode, res); err != nil && res.Err == nil {
		res.Err = fmt.Errorf("write sink: %w", err)
	}

	d.Metrics.Finished(string(inv.Mode), res.Status(), res.Duration)
	if res.OK() {
		log.Info("agent finished", zap.Duration("duration", res.Duration))
	} else {
		log.Warn("agent failed",
			zap.Duration("duration", res.Duration),
			zap.Int("exit_code", res.ExitCode),
			zap.Error(res.Err),
			zap.String("stderr", truncate(string(res.Stderr), 512)))
	}
	return res
}

// Sequential dispatches jobs one at a time. Each result is complete before
// the next job starts. A failed job does not stop the sequence.
func (d *Dispatcher) Sequential(ctx context.Context, jobs []Job) ([]Result, error) {
	if err := ValidateJobs(jobs); err != nil {
		return nil, err
	}
	results := make([]Result, len(jobs))
	for i, job := range jobs {
		if ctx.Err() != nil {
			res := Result{Job: job.Name, Sink: job.Sink, Started: time.Now()}
			results[i] = d.fail(res, ctx.Err(), logging.ForJob(d.Logger, d.RunID, job.Name))
			d.done(results[i])
			continue
		}
		results[i] = d.Run(ctx, job)
	}
	return results, nil
}

// FanOut launches all jobs together (at most MaxParallel at a time when
// set) and waits for every one of them. Results come back in input order.
// Jobs are independent: one failing never cancels the others.
func (d *Dispatcher) FanOut(ctx context.Context, jobs []Job) ([]Result, error) {
	if err := ValidateJobs(jobs); err != nil {
		return nil, err
	}
	results := make([]Result, len(jobs))

	var g errgroup.Group
	if d.MaxParallel > 0 {
		g.SetLimit(d.MaxParallel)
	}
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = d.Run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// ValidateJobs rejects duplicate names and duplicate file sinks. Distinct
// sinks are what keep concurrent jobs from clobbering each other.
func ValidateJobs(jobs []Job) error {
	names := make(map[string]bool, len(jobs))
	sinks := make(map[string]string, len(jobs))
	for i, job := range jobs {
		if job.Name == "" {
			return fmt.Errorf("job %d has no name", i)
		}
		if names[job.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
		}
		names[job.Name] = true

		if job.Sink == "" || job.Sink == SinkStdout {
			continue
		}
		key := SinkKey(job.Sink)
		if other, ok := sinks[key]; ok {
			return fmt.Errorf("%w: %s used by %s and %s", ErrDuplicateSink, job.Sink, other, job.Name)
		}
		sinks[key] = job.Name
	}
	return nil
}

// SinkKey is the absolute, cleaned form of a file sink, used to compare
// sinks that are spelled differently.
func SinkKey(sink string) string {
	key := filepath.Clean(sink)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}
	return key
}

func (d *Dispatcher) prompt(job Job, log *zap.Logger) (string, error) {
	if job.Prompt != "" {
		return job.Prompt, nil
	}
	task, err := job.Task.WithContextFiles(d.ContextBudget)
	if err != nil {
		return "", err
	}
	for _, w := range task.Lint() {
		log.Warn("task template incomplete", zap.String("warning", w))
	}
	return task.Render(), nil
}

// Environ is the environment a job runs with: the inherited one minus nesting
// markers, plus Env and the job and run identifiers.
func (d *Dispatcher) Environ(job string) []string {
	var env []string
	for _, e := range os.Environ() {
		if hasAnyPrefix(e, nestingMarkers) {
			continue
		}
		env = append(env, e)
	}
	env = append(env, d.Env...)
	env = append(env, "PIFAN_JOB="+job)
	if d.RunID != "" {
		env = append(env, "PIFAN_RUN="+d.RunID)
	}
	return env
}

// fail ends a job that produced no output. A file sink is still created
// (empty) so every job leaves one behind.
func (d *Dispatcher) fail(res Result, err error, log *zap.Logger) Result {
	res.Err = err
	res.Duration = time.Since(res.Started)
	if res.Sink != "" && res.Sink != SinkStdout {
		if f, cerr := createSink(res.Sink); cerr != nil {
			log.Warn("could not create sink", zap.String("sink", res.Sink), zap.Error(cerr))
		} else {
			f.Close()
		}
	}
	log.Warn("job failed before the agent ran", zap.Error(err))
	return res
}

func (d *Dispatcher) done(res Result) {
	if d.OnDone != nil {
		d.OnDone(res)
	}
}

// livePath is the file stdout streams into while the job runs.
func (d *Dispatcher) livePath(sink string, mode invocation.Mode) string {
	if sink == "" || sink == SinkStdout {
		return ""
	}
	if mode == invocation.ModeJSON {
		return sink + EventsSuffix
	}
	return sink
}

func (d *Dispatcher) extractText(res Result, mode invocation.Mode, log *zap.Logger) string {
	if mode != invocation.ModeJSON {
		return string(res.Stdout)
	}
	text, err := events.FinalText(bytes.NewReader(res.Stdout))
	if err != nil {
		log.Warn("could not read event stream", zap.Error(err))
	}
	return text
}

// writeSink stores the final output. Text-mode file sinks were already
// filled while streaming.
func (d *Dispatcher) writeSink(sink string, mode invocation.Mode, res Result) error {
	switch {
	case sink == "":
		return nil
	case sink == SinkStdout:
		w := d.Stdout
		if w == nil {
			w = os.Stdout
		}
		d.outMu.Lock()
		defer d.outMu.Unlock()
		_, err := io.WriteString(w, ensureNewline(res.Text))
		return err
	case mode == invocation.ModeJSON:
		return os.WriteFile(sink, []byte(ensureNewline(res.Text)), 0o644)
	default:
		return nil
	}
}

func (d *Dispatcher) track(name string, cmd *exec.Cmd) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running == nil {
		d.running = make(map[string]*exec.Cmd)
	}
	d.running[name] = cmd
}

func (d *Dispatcher) untrack(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, name)
}

func classifyWaitErr(ctx context.Context, err error, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("agent canceled: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("agent exited with status %d", exitErr.ExitCode())
	}
	return fmt.Errorf("agent: %w", err)
}

func createSink(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
