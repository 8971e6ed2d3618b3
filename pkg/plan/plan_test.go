package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thechewu/pifan/pkg/invocation"
	"github.com/thechewu/pifan/pkg/models"
	"github.com/thechewu/pifan/pkg/worker"
)

const sample = `
defaults:
  model: sonnet
  thinking: low
  tools: [read, grep]
  ephemeral: true
jobs:
  - name: api
    sink: api.md
    task:
      objective: Review the HTTP handlers
      output_format: Bullet list
      context: internal/http
      boundaries: Read only
  - name: db
    sink: /tmp/db.md
    prompt: Review migrations
    config:
      model: gpt-5
      no_tools: true
      mode: json
merge:
  into: review.md
  task:
    objective: Deduplicate findings
    context: Reviews follow.
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Len(t, p.Jobs, 2)
	assert.Equal(t, models.ThinkingLow, p.Defaults.Thinking)
	require.NotNil(t, p.Defaults.Ephemeral)
	assert.True(t, *p.Defaults.Ephemeral)

	jobs := p.WorkerJobs(invocation.Config{Model: "base", Mode: invocation.ModeText}, "out")
	require.Len(t, jobs, 2)

	api := jobs[0]
	assert.Equal(t, filepath.Join("out", "api.md"), api.Sink)
	assert.Equal(t, "sonnet", api.Config.Model)
	assert.Equal(t, []string{"read", "grep"}, api.Config.Tools)
	assert.Equal(t, "Review the HTTP handlers", api.Task.Objective)

	db := jobs[1]
	assert.Equal(t, "/tmp/db.md", db.Sink)
	assert.Equal(t, "gpt-5", db.Config.Model)
	assert.Equal(t, invocation.ModeJSON, db.Config.Mode)
	assert.Empty(t, db.Config.EffectiveTools())
	assert.Equal(t, "Review migrations", db.Prompt)

	assert.Equal(t, filepath.Join("out", "review.md"), p.MergePath("out"))

	mj, ok := p.MergeJob(invocation.Config{}, "## api\nfindings")
	require.True(t, ok)
	assert.Equal(t, "merge", mj.Name)
	assert.Equal(t, "Reviews follow.\n\n## api\nfindings", mj.Task.Context)
	assert.Equal(t, "sonnet", mj.Config.Model)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no jobs", "jobs: []\n"},
		{"unknown key", "jobs:\n  - name: a\n    prompt: x\n    colour: red\n"},
		{"bad thinking", "defaults:\n  thinking: max\njobs:\n  - name: a\n    prompt: x\n"},
		{"no prompt", "jobs:\n  - name: a\n"},
		{"unnamed", "jobs:\n  - prompt: x\n"},
		{"duplicate name", "jobs:\n  - name: a\n    prompt: x\n  - name: a\n    prompt: y\n"},
		{"duplicate sink", "jobs:\n  - name: a\n    prompt: x\n    sink: o.md\n  - name: b\n    prompt: y\n    sink: ./o.md\n"},
		{"merge without into", "jobs:\n  - name: a\n    prompt: x\nmerge:\n  task:\n    objective: m\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte("jobs:\n  - name: a\n    prompt: x\n  - name: b\n    prompt: y\n    sink: a.md\n  - name: c\n    prompt: z\n    sink: a.md\n"))
	assert.ErrorIs(t, err, worker.ErrDuplicateSink)
}

func TestParseMergeIntoJobSink(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"explicit sink", "jobs:\n  - name: api\n    prompt: x\n    sink: api.md\nmerge:\n  into: ./api.md\n"},
		{"default sink", "jobs:\n  - name: api\n    prompt: x\nmerge:\n  into: api.md\n"},
		{"explicit sink shadows a default", "jobs:\n  - name: api\n    prompt: x\n  - name: db\n    prompt: y\n    sink: api.md\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, worker.ErrDuplicateSink)
		})
	}

	_, err := Parse([]byte("jobs:\n  - name: api\n    prompt: x\nmerge:\n  into: review.md\n"))
	assert.NoError(t, err)
}

func TestDefaultSinks(t *testing.T) {
	p := &Plan{Jobs: []Job{{Name: "a", Prompt: "x"}, {Name: "b", Prompt: "y", Sink: "-"}}}

	jobs := p.WorkerJobs(invocation.Config{}, "runs/1")
	assert.Equal(t, filepath.Join("runs/1", "a.md"), jobs[0].Sink)
	assert.Equal(t, worker.SinkStdout, jobs[1].Sink)

	jobs = p.WorkerJobs(invocation.Config{}, "")
	assert.Equal(t, "", jobs[0].Sink, "no out dir keeps output in memory")
}

func TestMergeJobAbsent(t *testing.T) {
	p := &Plan{Jobs: []Job{{Name: "a", Prompt: "x"}}, Merge: &Merge{Into: "m.md"}}
	_, ok := p.MergeJob(invocation.Config{}, "text")
	assert.False(t, ok)
	assert.Equal(t, "m.md", p.MergePath(""))
	assert.Equal(t, "", (&Plan{}).MergePath("out"))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Jobs, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
