package manifest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thechewu/pifan/pkg/invocation"
	"github.com/thechewu/pifan/pkg/worker"
)

func TestRoundTripThroughDir(t *testing.T) {
	m := New("plan.yaml", "fanout")
	_, err := uuid.Parse(m.RunID)
	require.NoError(t, err)

	m.Add("",
		worker.Result{
			Job:        "api",
			Sink:       "out/api.md",
			Text:       "hello",
			Duration:   1500 * time.Millisecond,
			Invocation: invocation.Invocation{Bin: "pi", Args: []string{"-p", "x y"}, Model: "openai/gpt-5"},
		},
		worker.Result{Job: "db", ExitCode: 2, Err: errors.New("agent exited with status 2")},
	)
	m.Add("merge", worker.Result{Job: "merge"})

	dir := t.TempDir()
	require.NoError(t, m.Write(dir))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, m.RunID, got.RunID)
	require.Len(t, got.Jobs, 3)

	api := got.Jobs[0]
	assert.Equal(t, StateOK, api.State)
	assert.Equal(t, int64(1500), api.DurationMS)
	assert.Equal(t, "pi -p 'x y'", api.Command)
	assert.Equal(t, 5, api.Bytes)
	assert.Equal(t, "openai/gpt-5", api.Model)

	assert.Equal(t, StateFailed, got.Jobs[1].State)
	assert.Equal(t, "agent exited with status 2", got.Jobs[1].Error)
	assert.Equal(t, "merge", got.Jobs[2].Role)

	assert.Equal(t, map[string]int{StateOK: 2, StateFailed: 1}, got.Counts())
	assert.False(t, got.EndedAt.IsZero())
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestStartThenFinish(t *testing.T) {
	m := New("", "sequential")
	m.Start("", worker.Job{Name: "a", Sink: "a.md"}, worker.Job{Name: "b"})
	assert.False(t, m.Done())

	dir := t.TempDir()
	require.NoError(t, m.Write(dir))
	assert.True(t, m.EndedAt.IsZero(), "running manifests are not stamped")

	m.Add("", worker.Result{Job: "a", Sink: "a.md", Text: "x"})
	m.Add("", worker.Result{Job: "b", Err: context.Canceled})
	require.Len(t, m.Jobs, 2)
	assert.True(t, m.Done())
	assert.Equal(t, StateCanceled, m.Jobs[1].State)

	require.NoError(t, m.Write(dir))
	got, err := Load(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.False(t, got.EndedAt.IsZero())
	assert.Equal(t, map[string]int{StateOK: 1, StateCanceled: 1}, got.Counts())
}
