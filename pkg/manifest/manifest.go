// Package manifest records what a dispatch run did, so a later
// `pifan status` can report on it without re-running anything.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/thechewu/pifan/pkg/worker"
)

// FileName is the manifest's name inside a run's output directory.
const FileName = "manifest.json"

// Job states.
const (
	StateRunning  = "running"
	StateOK       = "ok"
	StateFailed   = "failed"
	StateTimeout  = "timeout"
	StateCanceled = "canceled"
)

// Entry describes one dispatched job.
type Entry struct {
	Name       string `json:"name"`
	Sink       string `json:"sink,omitempty"`
	State      string `json:"state"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Model      string `json:"model,omitempty"`
	Command    string `json:"command,omitempty"`
	Bytes      int    `json:"bytes"`
	Role       string `json:"role,omitempty"` // "merge" for the merge step
}

// Manifest is one run.
type Manifest struct {
	RunID     string    `json:"run_id"`
	Plan      string    `json:"plan,omitempty"`
	Mode      string    `json:"mode"` // fanout or sequential
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Jobs      []Entry   `json:"jobs"`
	Merged    string    `json:"merged,omitempty"`
}

// New starts a manifest with a fresh run id.
func New(plan, mode string) *Manifest {
	return &Manifest{
		RunID:     uuid.NewString(),
		Plan:      plan,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
	}
}

// Start records jobs as running before they are dispatched.
func (m *Manifest) Start(role string, jobs ...worker.Job) {
	for _, j := range jobs {
		m.put(Entry{Name: j.Name, Sink: j.Sink, State: StateRunning, Model: j.Config.Model, Role: role})
	}
}

// Add records results, replacing the running entry of the same job. role
// tags the entries (empty for ordinary jobs).
func (m *Manifest) Add(role string, results ...worker.Result) {
	for _, r := range results {
		e := Entry{
			Name:       r.Job,
			Sink:       r.Sink,
			State:      r.Status(),
			ExitCode:   r.ExitCode,
			DurationMS: r.Duration.Milliseconds(),
			Model:      r.Invocation.Model,
			Bytes:      len(r.Text),
			Role:       role,
		}
		if r.Invocation.Bin != "" {
			e.Command = r.Invocation.String()
		}
		if r.Err != nil {
			e.Error = r.Err.Error()
		}
		m.put(e)
	}
}

func (m *Manifest) put(e Entry) {
	for i := range m.Jobs {
		if m.Jobs[i].Name == e.Name && m.Jobs[i].Role == e.Role {
			m.Jobs[i] = e
			return
		}
	}
	m.Jobs = append(m.Jobs, e)
}

// Done reports whether no job is still running.
func (m *Manifest) Done() bool {
	for _, e := range m.Jobs {
		if e.State == StateRunning {
			return false
		}
	}
	return true
}

// Counts tallies entries by state.
func (m *Manifest) Counts() map[string]int {
	out := make(map[string]int)
	for _, e := range m.Jobs {
		out[e.State]++
	}
	return out
}

// Write stores the manifest in dir. EndedAt is stamped once every job has
// finished.
func (m *Manifest) Write(dir string) error {
	if m.EndedAt.IsZero() && m.Done() {
		m.EndedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), append(data, '\n'), 0o644)
}

// Load reads the manifest from dir (or from the file itself if path names it).
func Load(path string) (*Manifest, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
