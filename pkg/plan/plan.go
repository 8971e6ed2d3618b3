// Package plan loads fan-out plans: a YAML list of independent jobs, shared
// defaults, and an optional merge step that runs once every job is done.
//
//	defaults:
//	  model: sonnet
//	  tools: [read, grep]
//	  ephemeral: true
//	jobs:
//	  - name: api
//	    sink: api.md
//	    task:
//	      objective: Review the HTTP handlers
//	      output_format: Bullet list of issues
//	      context: Handlers live in internal/http
//	      boundaries: Read only
//	merge:
//	  into: review.md
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/thechewu/pifan/pkg/invocation"
	"github.com/thechewu/pifan/pkg/template"
	"github.com/thechewu/pifan/pkg/worker"
)

// Job is one entry of the jobs list.
type Job struct {
	Name   string            `yaml:"name"`
	Sink   string            `yaml:"sink,omitempty"`
	Prompt string            `yaml:"prompt,omitempty"`
	Task   template.Task     `yaml:"task,omitempty"`
	Config invocation.Config `yaml:"config,omitempty"`
}

// Merge configures the step that combines job outputs.
type Merge struct {
	// Into is the file the concatenated sinks are written to.
	Into string `yaml:"into"`
	// Task, when its objective is set, runs one more agent over the merged
	// text (appended to the task's context). Its answer replaces Into.
	Task   template.Task     `yaml:"task,omitempty"`
	Config invocation.Config `yaml:"config,omitempty"`
}

// Plan is a parsed plan file.
type Plan struct {
	Defaults invocation.Config `yaml:"defaults,omitempty"`
	Jobs     []Job             `yaml:"jobs"`
	Merge    *Merge            `yaml:"merge,omitempty"`
}

// ErrNoJobs is returned for plans with an empty jobs list.
var ErrNoJobs = errors.New("plan has no jobs")

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a plan. Unknown keys are rejected so typos surface early.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks job names and sinks. Sinks are checked as they would be
// laid out in a run directory, default <name>.md sinks and the merge file
// included.
func (p *Plan) Validate() error {
	if len(p.Jobs) == 0 {
		return ErrNoJobs
	}
	for i, j := range p.Jobs {
		if j.Prompt == "" && j.Task.Objective == "" {
			return fmt.Errorf("job %d (%s): needs a prompt or a task objective", i, j.Name)
		}
	}
	jobs := p.WorkerJobs(invocation.Config{}, ".")
	if err := worker.ValidateJobs(jobs); err != nil {
		return err
	}
	if p.Merge == nil {
		return nil
	}
	if p.Merge.Into == "" {
		return errors.New("merge: into is required")
	}
	into := worker.SinkKey(p.MergePath("."))
	for _, j := range jobs {
		if j.Sink != "" && j.Sink != worker.SinkStdout && worker.SinkKey(j.Sink) == into {
			return fmt.Errorf("%w: merge into %s is the sink of job %s", worker.ErrDuplicateSink, p.Merge.Into, j.Name)
		}
	}
	return nil
}

// WorkerJobs expands the plan into dispatchable jobs. Configs layer as
// base < plan defaults < job config. When outDir is set, relative sinks are
// placed under it and jobs without a sink get <outDir>/<name>.md.
func (p *Plan) WorkerJobs(base invocation.Config, outDir string) []worker.Job {
	defaults := base.Merge(p.Defaults)
	jobs := make([]worker.Job, 0, len(p.Jobs))
	for _, j := range p.Jobs {
		sink := j.Sink
		if sink == "" && outDir != "" {
			sink = j.Name + ".md"
		}
		jobs = append(jobs, worker.Job{
			Name:   j.Name,
			Config: defaults.Merge(j.Config),
			Task:   j.Task,
			Prompt: j.Prompt,
			Sink:   resolveSink(sink, outDir),
		})
	}
	return jobs
}

// MergePath is where merged output goes, resolved like job sinks.
func (p *Plan) MergePath(outDir string) string {
	if p.Merge == nil {
		return ""
	}
	return resolveSink(p.Merge.Into, outDir)
}

// MergeJob builds the optional merge-agent job. ok is false when the plan
// has no merge task.
func (p *Plan) MergeJob(base invocation.Config, merged string) (job worker.Job, ok bool) {
	if p.Merge == nil || p.Merge.Task.Objective == "" {
		return worker.Job{}, false
	}
	task := p.Merge.Task
	if task.Context != "" {
		task.Context += "\n\n"
	}
	task.Context += merged
	return worker.Job{
		Name:   "merge",
		Config: base.Merge(p.Defaults).Merge(p.Merge.Config),
		Task:   task,
	}, true
}

func resolveSink(sink, outDir string) string {
	if sink == "" || sink == worker.SinkStdout || outDir == "" || filepath.IsAbs(sink) {
		return sink
	}
	return filepath.Join(outDir, sink)
}
