// Package merger combines the sinks of a fan-out into one document. Each job
// contributes a "## <name>" section in dispatch order, read from its file
// sink (or taken from memory for jobs without one). Failed jobs and
// unreadable sinks are kept with a note instead of being dropped silently,
// so the reader can tell an empty answer from a missing one.
package merger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/thechewu/pifan/pkg/worker"
)

// Merger concatenates job results.
type Merger struct {
	// SkipFailed leaves failed jobs and unreadable sinks out entirely rather
	// than noting them.
	SkipFailed bool
	Logger     *zap.Logger
}

// MergeAll renders results into one document. merged counts sections with
// output; dropped counts failed jobs and sinks that could not be read.
func (m *Merger) MergeAll(results []worker.Result) (text string, merged, dropped int) {
	log := m.logger()
	var b strings.Builder
	for _, r := range results {
		out, err := output(r)
		body := strings.TrimSpace(out)
		switch {
		case err != nil:
			dropped++
			log.Warn("merge: sink unreadable", zap.String("job", r.Job), zap.String("sink", r.Sink), zap.Error(err))
			if m.SkipFailed {
				continue
			}
			body = fmt.Sprintf("(dropped: %v)", err)
		case !r.OK():
			dropped++
			log.Warn("merge: job failed", zap.String("job", r.Job), zap.String("status", r.Status()), zap.Error(r.Err))
			if m.SkipFailed {
				continue
			}
			body = failureNote(r, body)
		default:
			merged++
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n", r.Job)
		if body == "" {
			body = "(no output)"
		}
		b.WriteString(body)
	}
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	return b.String(), merged, dropped
}

// WriteFile merges results into path, creating parent directories.
func (m *Merger) WriteFile(path string, results []worker.Result) (merged, dropped int, err error) {
	text, merged, dropped := m.MergeAll(results)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return merged, dropped, fmt.Errorf("create merge dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return merged, dropped, fmt.Errorf("write merge: %w", err)
	}
	m.logger().Info("merged sinks", zap.String("into", path), zap.Int("merged", merged), zap.Int("dropped", dropped))
	return merged, dropped, nil
}

// output is a job's answer: its file sink when it has one, the in-memory
// text otherwise.
func output(r worker.Result) (string, error) {
	if r.Sink == "" || r.Sink == worker.SinkStdout {
		return r.Text, nil
	}
	data, err := os.ReadFile(r.Sink)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Merger) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func failureNote(r worker.Result, body string) string {
	reason := r.Status()
	if r.Err != nil {
		reason = r.Err.Error()
	} else if r.ExitCode != 0 {
		reason = fmt.Sprintf("exit status %d", r.ExitCode)
	}
	note := fmt.Sprintf("(failed: %s)", reason)
	if body == "" {
		return note
	}
	return note + "\n\n" + body
}
