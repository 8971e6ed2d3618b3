package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thechewu/pifan/pkg/config"
	"github.com/thechewu/pifan/pkg/events"
	"github.com/thechewu/pifan/pkg/invocation"
	"github.com/thechewu/pifan/pkg/logging"
	"github.com/thechewu/pifan/pkg/manifest"
	"github.com/thechewu/pifan/pkg/merger"
	"github.com/thechewu/pifan/pkg/metrics"
	"github.com/thechewu/pifan/pkg/models"
	"github.com/thechewu/pifan/pkg/plan"
	"github.com/thechewu/pifan/pkg/prompt"
	"github.com/thechewu/pifan/pkg/template"
	"github.com/thechewu/pifan/pkg/worker"
)

func main() {
	err := rootCmd.Execute()
	finish()
	if err != nil {
		os.Exit(1)
	}
}

var (
	configPath  string
	logLevel    string
	logFormat   string
	metricsFile string

	cfg      *config.Config
	logger   *zap.Logger
	recorder *metrics.Recorder
)

var rootCmd = &cobra.Command{
	Use:          "pifan",
	Short:        "Shape pi agent invocations and fan them out in parallel",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			loaded.Logging.Format = logFormat
		}
		logger, err = logging.New(loaded.LogOptions())
		if err != nil {
			return err
		}
		cfg = loaded
		recorder = metrics.New()
		logger.Debug("config loaded", zap.String("path", configPath), zap.String("agent", cfg.Agent))
		return nil
	},
}

// finish flushes the logger and writes metrics. It runs after failed
// commands too.
func finish() {
	if logger != nil {
		_ = logger.Sync()
	}
	if metricsFile != "" && recorder != nil {
		if err := recorder.WriteTextfile(metricsFile); err != nil {
			fmt.Fprintf(os.Stderr, "warning: write metrics: %v\n", err)
		}
	}
}

func init() {
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(argsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fanCmd)
	rootCmd.AddCommand(filterCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(rpcCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(guideCmd)

	// Flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console, json")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write prometheus metrics to this file on exit")

	addTaskFlags(renderCmd)

	addTaskFlags(argsCmd)
	addInvocationFlags(argsCmd)

	addTaskFlags(runCmd)
	addInvocationFlags(runCmd)
	runCmd.Flags().StringP("sink", "s", worker.SinkStdout, "output file, - for stdout")
	runCmd.Flags().Duration("timeout", 0, "kill the agent after this long (default from config)")

	addInvocationFlags(fanCmd)
	fanCmd.Flags().String("out", "", "run directory (default <out_dir>/<run id>)")
	fanCmd.Flags().IntP("parallel", "j", 0, "max concurrent agents (default from config, 0 = all)")
	fanCmd.Flags().Bool("sequential", false, "run jobs one after another")
	fanCmd.Flags().Duration("timeout", 0, "per-job timeout (default from config)")

	filterCmd.Flags().Bool("tools", false, "also print tool results")

	addInvocationFlags(rpcCmd)

	statusCmd.Flags().BoolP("watch", "w", false, "refresh until the run finishes")
	statusCmd.Flags().DurationP("refresh", "r", 2*time.Second, "refresh interval for --watch")

	logsCmd.Flags().BoolP("follow", "f", false, "keep printing as the sink grows")
	logsCmd.Flags().IntP("lines", "n", 20, "lines per sink when printing a whole run")
}

// --- render ---

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print a four-section task prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := taskFromFlags(cmd).WithContextFiles(cfg.ContextBudget)
		if err != nil {
			return err
		}
		for _, w := range task.Lint() {
			logger.Warn("task template incomplete", zap.String("warning", w))
		}
		fmt.Print(task.Render())
		return nil
	},
}

// --- args ---

var argsCmd = &cobra.Command{
	Use:   "args [prompt]",
	Short: "Print the pi command line for a config and task",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := invocationConfig(cmd)
		if err != nil {
			return err
		}
		text, err := promptText(cmd, args)
		if err != nil {
			return err
		}
		for _, w := range c.Lint() {
			logger.Warn("suspicious invocation config", zap.String("warning", w))
		}
		inv, err := cfg.Builder().Build(c, text)
		if err != nil {
			return err
		}
		fmt.Println(inv.String())
		return nil
	},
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one agent invocation",
	Long: `Runs pi once. The prompt is the positional argument, or the task built
from --objective/--format/--context/--boundaries when none is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := invocationConfig(cmd)
		if err != nil {
			return err
		}
		sink, _ := cmd.Flags().GetString("sink")
		job := worker.Job{Name: "run", Config: c, Sink: sink}
		if len(args) > 0 {
			job.Prompt = args[0]
		} else {
			job.Task = taskFromFlags(cmd)
		}

		d, err := newDispatcher(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		res := d.Run(ctx, job)
		if !res.OK() {
			if len(res.Stderr) > 0 {
				os.Stderr.Write(res.Stderr)
			}
			return jobError(res)
		}
		if sink != worker.SinkStdout {
			logger.Info("wrote sink", zap.String("sink", sink), zap.Int("bytes", len(res.Text)))
		}
		return nil
	},
}

// --- fan ---

var fanCmd = &cobra.Command{
	Use:   "fan <plan.yaml>",
	Short: "Fan a plan's jobs out to parallel agents, then merge their sinks",
	Long: `Loads a plan, runs every job (concurrently unless --sequential), waits
for all of them, writes manifest.json to the run directory and, if the plan
has a merge section, combines the sinks into one document.

Invocation flags given here override the plan's defaults and job configs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := plan.Load(args[0])
		if err != nil {
			return err
		}
		// plan defaults sit between the config file and the flags
		overrides, err := flagConfig(cmd)
		if err != nil {
			return err
		}
		sequential, _ := cmd.Flags().GetBool("sequential")

		mode := "fanout"
		if sequential {
			mode = "sequential"
		}
		m := manifest.New(args[0], mode)

		outDir, _ := cmd.Flags().GetString("out")
		if outDir == "" {
			outDir = filepath.Join(cfg.OutDir, m.RunID)
		}

		d, err := newDispatcher(cmd)
		if err != nil {
			return err
		}
		d.RunID = m.RunID

		jobs := p.WorkerJobs(cfg.Defaults, outDir)
		for i := range jobs {
			jobs[i].Config = jobs[i].Config.Merge(overrides)
		}

		release, err := manifest.Lock(outDir)
		if err != nil {
			return err
		}
		defer release()

		m.Start("", jobs...)
		if err := m.Write(outDir); err != nil {
			return err
		}
		d.OnDone = recordProgress(m, outDir)
		logger.Info("dispatching", zap.String("run_id", m.RunID), zap.Int("jobs", len(jobs)), zap.String("mode", mode), zap.String("out", outDir))

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		var results []worker.Result
		if sequential {
			results, err = d.Sequential(ctx, jobs)
		} else {
			results, err = d.FanOut(ctx, jobs)
		}
		if err != nil {
			return err
		}
		d.OnDone = nil
		m.Add("", results...)

		if p.Merge != nil {
			if err := mergeResults(ctx, d, p, m, outDir, results, overrides); err != nil {
				logger.Error("merge failed", zap.Error(err))
			}
		}
		if err := m.Write(outDir); err != nil {
			return err
		}

		counts := m.Counts()
		failed := len(m.Jobs) - counts[manifest.StateOK]
		fmt.Printf("run %s  ok=%d  failed=%d  dir=%s\n", m.RunID, counts[manifest.StateOK], failed, outDir)
		if m.Merged != "" {
			fmt.Printf("merged: %s\n", m.Merged)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d jobs did not succeed (see 'pifan status %s')", failed, len(m.Jobs), outDir)
		}
		return nil
	},
}

// recordProgress rewrites the run manifest as each job finishes, so
// `pifan status --watch` can follow a fan-out while it runs.
func recordProgress(m *manifest.Manifest, dir string) func(worker.Result) {
	var mu sync.Mutex
	return func(res worker.Result) {
		mu.Lock()
		defer mu.Unlock()
		m.Add("", res)
		if err := m.Write(dir); err != nil {
			logger.Warn("could not update manifest", zap.String("job", res.Job), zap.Error(err))
		}
	}
}

// mergeResults concatenates the job outputs into the plan's merge file. A
// merge task, when the plan has one, runs over the concatenation and its
// answer becomes the merge file instead.
func mergeResults(ctx context.Context, d *worker.Dispatcher, p *plan.Plan, m *manifest.Manifest, outDir string, results []worker.Result, overrides invocation.Config) error {
	into := p.MergePath(outDir)
	mg := &merger.Merger{Logger: logger}

	text, _, _ := mg.MergeAll(results)
	job, ok := p.MergeJob(cfg.Defaults, text)
	if !ok {
		if _, _, err := mg.WriteFile(into, results); err != nil {
			return err
		}
		m.Merged = into
		return nil
	}

	job.Config = job.Config.Merge(overrides)
	job.Sink = into
	m.Start("merge", job)
	res := d.Run(ctx, job)
	m.Add("merge", res)
	if !res.OK() {
		return jobError(res)
	}
	m.Merged = into
	return nil
}

// --- filter ---

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Print assistant text from a json-mode event stream on stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withTools, _ := cmd.Flags().GetBool("tools")
		return filterStream(os.Stdin, os.Stdout, withTools)
	},
}

// filterStream copies the text of terminal assistant messages from r to w,
// one block per line. With tools set, tool results are interleaved in
// stream order.
func filterStream(r io.Reader, w io.Writer, tools bool) error {
	var readErr error
	records := func(yield func(events.Record) bool) {
		for rec, err := range events.Scan(r) {
			if err != nil {
				var lineErr *events.LineError
				if errors.As(err, &lineErr) {
					logger.Warn("skipping bad event line", zap.Error(err))
					continue
				}
				readErr = err
				return
			}
			if !yield(rec) {
				return
			}
		}
	}

	if !tools {
		for text := range events.AssistantText(records) {
			fmt.Fprintln(w, text)
		}
		return readErr
	}

	for rec := range records {
		if res, ok := rec.ToolResult(); ok {
			marker := "tool"
			if res.IsError {
				marker = "tool error"
			}
			fmt.Fprintf(w, "[%s %s] %s\n", marker, res.Tool, truncate(collapseSpaces(res.Output), 200))
			continue
		}
		if rec.IsFinalAssistant() {
			for _, text := range rec.Texts() {
				fmt.Fprintln(w, text)
			}
		}
	}
	return readErr
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models [selector]",
	Short: "List known models, or resolve a selector",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog := cfg.Catalog()
		if len(args) == 0 {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tID")
			for _, m := range catalog.All() {
				fmt.Fprintf(w, "%s\t%s\n", m.Provider, m.ID)
			}
			return w.Flush()
		}

		match, err := catalog.Resolve(args[0])
		if err != nil {
			var amb *models.AmbiguousError
			if errors.As(err, &amb) {
				for _, c := range amb.Candidates {
					fmt.Fprintf(os.Stderr, "  %s\n", c)
				}
			}
			return err
		}
		line := match.Model.String()
		if match.Thinking != models.ThinkingUnset {
			line += "  thinking=" + match.Thinking.String()
		}
		if match.Fuzzy {
			line += "  (fuzzy)"
		}
		fmt.Println(line)
		return nil
	},
}

// --- init ---

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default .pifan.yaml and add the orchestration guide to AGENTS.md",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		dir, _ = filepath.Abs(dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		cfgPath := filepath.Join(dir, config.DefaultPath)
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if err := config.DefaultConfig().Save(cfgPath); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", cfgPath)
		}

		agentsPath := filepath.Join(dir, "AGENTS.md")
		if err := injectAgentsMD(agentsPath); err != nil {
			fmt.Printf("warning: could not update AGENTS.md: %v\n", err)
		} else {
			fmt.Println("updated AGENTS.md with pifan instructions")
		}
		return nil
	},
}

// --- guide ---

var guideCmd = &cobra.Command{
	Use:   "guide",
	Short: "Print the AGENTS.md snippet that teaches an agent to use pifan",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(prompt.AgentsMDSection)
	},
}

// --- helpers ---

func addTaskFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("objective", "o", "", "what the agent should do")
	cmd.Flags().StringP("format", "f", "", "the output format to return")
	cmd.Flags().StringP("context", "c", "", "context the agent needs")
	cmd.Flags().StringP("boundaries", "b", "", "what the agent must not do")
	cmd.Flags().StringSlice("context-file", nil, "file appended to the context section (repeatable)")
}

func addInvocationFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("model", "m", "", "model: id, provider/id, id:thinking or a unique fragment")
	cmd.Flags().String("provider", "", "provider name")
	cmd.Flags().String("thinking", "", "thinking level: off, minimal, low, medium, high, xhigh")
	cmd.Flags().StringSlice("tools", nil, "tool allowlist, comma separated")
	cmd.Flags().Bool("no-tools", false, "disable every tool (wins over --tools)")
	cmd.Flags().Bool("ephemeral", false, "do not persist the session")
	cmd.Flags().String("system-prompt", "", "replace the system prompt (text or file)")
	cmd.Flags().String("append-system-prompt", "", "append to the system prompt (text or file)")
	cmd.Flags().String("mode", "", "output mode: text, json")
	cmd.Flags().Bool("no-skills", false, "do not load skills")
	cmd.Flags().Bool("no-extensions", false, "do not load extensions")
	cmd.Flags().StringSlice("agent-args", nil, "extra arguments passed to pi before the prompt")
}

func taskFromFlags(cmd *cobra.Command) template.Task {
	var t template.Task
	t.Objective, _ = cmd.Flags().GetString("objective")
	t.OutputFormat, _ = cmd.Flags().GetString("format")
	t.Context, _ = cmd.Flags().GetString("context")
	t.Boundaries, _ = cmd.Flags().GetString("boundaries")
	t.ContextFiles, _ = cmd.Flags().GetStringSlice("context-file")
	return t
}

// flagConfig collects the invocation flags the user actually set.
func flagConfig(cmd *cobra.Command) (invocation.Config, error) {
	f := cmd.Flags()
	var c invocation.Config
	c.Model, _ = f.GetString("model")
	c.Provider, _ = f.GetString("provider")
	c.SystemPrompt, _ = f.GetString("system-prompt")
	c.AppendSystemPrompt, _ = f.GetString("append-system-prompt")

	if v, _ := f.GetString("thinking"); v != "" {
		level, err := models.ParseThinkingLevel(v)
		if err != nil {
			return c, err
		}
		c.Thinking = level
	}
	if v, _ := f.GetString("mode"); v != "" {
		mode, err := invocation.ParseMode(v)
		if err != nil {
			return c, err
		}
		c.Mode = mode
	}
	if f.Changed("tools") {
		c.Tools, _ = f.GetStringSlice("tools")
	}
	if f.Changed("agent-args") {
		c.ExtraArgs, _ = f.GetStringSlice("agent-args")
	}
	c.NoTools = changedBool(cmd, "no-tools")
	c.Ephemeral = changedBool(cmd, "ephemeral")
	c.NoSkills = changedBool(cmd, "no-skills")
	c.NoExtensions = changedBool(cmd, "no-extensions")
	return c, nil
}

// invocationConfig is the config defaults with the command's flags on top.
func invocationConfig(cmd *cobra.Command) (invocation.Config, error) {
	c, err := flagConfig(cmd)
	if err != nil {
		return invocation.Config{}, err
	}
	return cfg.Defaults.Merge(c), nil
}

func changedBool(cmd *cobra.Command, name string) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetBool(name)
	return invocation.Bool(v)
}

// promptText is the positional prompt, or the rendered task flags.
func promptText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	task := taskFromFlags(cmd)
	if task.Objective == "" && task.OutputFormat == "" && task.Context == "" && task.Boundaries == "" && len(task.ContextFiles) == 0 {
		return "", nil
	}
	task, err := task.WithContextFiles(cfg.ContextBudget)
	if err != nil {
		return "", err
	}
	return task.Render(), nil
}

func newDispatcher(cmd *cobra.Command) (*worker.Dispatcher, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Lookup("timeout") != nil && cmd.Flags().Changed("timeout") {
		timeout, _ = cmd.Flags().GetDuration("timeout")
	}
	parallel := cfg.Parallel
	if cmd.Flags().Lookup("parallel") != nil && cmd.Flags().Changed("parallel") {
		parallel, _ = cmd.Flags().GetInt("parallel")
	}
	return &worker.Dispatcher{
		Builder:       cfg.Builder(),
		MaxParallel:   parallel,
		Timeout:       timeout,
		ContextBudget: cfg.ContextBudget,
		Stdout:        os.Stdout,
		Logger:        logger,
		Metrics:       recorder,
	}, nil
}

func jobError(res worker.Result) error {
	if res.Err != nil {
		return fmt.Errorf("job %s %s: %w", res.Job, res.Status(), res.Err)
	}
	return fmt.Errorf("job %s exited with status %d", res.Job, res.ExitCode)
}

func injectAgentsMD(path string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	content := string(existing)

	// If already present, replace the existing section with the latest version
	if idx := strings.Index(content, prompt.Sentinel); idx != -1 {
		before := content[:idx]
		// The section runs to the end of the file (it's always appended last)
		updated := strings.TrimRight(before, "\n")
		if updated != "" {
			updated += "\n\n"
		}
		return os.WriteFile(path, []byte(updated+prompt.AgentsMDSection), 0o644)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	// Add a blank line separator if the file already has content
	if len(existing) > 0 && !strings.HasSuffix(content, "\n\n") {
		sep := "\n"
		if !strings.HasSuffix(content, "\n") {
			sep = "\n\n"
		}
		if _, err := f.WriteString(sep); err != nil {
			return err
		}
	}

	_, err = f.WriteString(prompt.AgentsMDSection)
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
