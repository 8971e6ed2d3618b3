package merger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/thechewu/pifan/pkg/worker"
)

func TestMergeAll(t *testing.T) {
	results := []worker.Result{
		{Job: "api", Text: "  two issues\n"},
		{Job: "db", Text: "partial", ExitCode: 3, Err: errors.New("agent exited with status 3")},
		{Job: "ui"},
	}

	tests := []struct {
		name        string
		skipFailed  bool
		want        string
		wantMerged  int
		wantDropped int
	}{
		{
			name:        "failures noted",
			want:        "## api\n\ntwo issues\n\n## db\n\n(failed: agent exited with status 3)\n\npartial\n\n## ui\n\n(no output)\n",
			wantMerged:  2,
			wantDropped: 1,
		},
		{
			name:        "failures skipped",
			skipFailed:  true,
			want:        "## api\n\ntwo issues\n\n## ui\n\n(no output)\n",
			wantMerged:  2,
			wantDropped: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Merger{SkipFailed: tt.skipFailed, Logger: zaptest.NewLogger(t)}
			got, merged, dropped := m.MergeAll(results)
			if got != tt.want {
				t.Errorf("MergeAll() =\n%q\nwant\n%q", got, tt.want)
			}
			if merged != tt.wantMerged || dropped != tt.wantDropped {
				t.Errorf("merged, dropped = %d, %d, want %d, %d", merged, dropped, tt.wantMerged, tt.wantDropped)
			}
		})
	}
}

func TestMergeAllReadsSinks(t *testing.T) {
	dir := t.TempDir()
	apiSink := filepath.Join(dir, "api.md")
	if err := os.WriteFile(apiSink, []byte("from the sink\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	results := []worker.Result{
		{Job: "api", Sink: apiSink, Text: "stale memory copy"},
		{Job: "db", Sink: filepath.Join(dir, "db.md"), Text: "never written"},
		{Job: "ui", Sink: worker.SinkStdout, Text: "printed"},
	}

	tests := []struct {
		name        string
		skipFailed  bool
		wantParts   []string
		wantMissing []string
	}{
		{
			name:      "missing sink noted",
			wantParts: []string{"## api\n\nfrom the sink\n", "## db\n\n(dropped: open ", "## ui\n\nprinted\n"},
		},
		{
			name:        "missing sink skipped",
			skipFailed:  true,
			wantParts:   []string{"## api\n\nfrom the sink\n\n## ui\n\nprinted\n"},
			wantMissing: []string{"## db"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Merger{SkipFailed: tt.skipFailed, Logger: zaptest.NewLogger(t)}
			got, merged, dropped := m.MergeAll(results)
			for _, want := range tt.wantParts {
				if !strings.Contains(got, want) {
					t.Errorf("MergeAll() missing %q in:\n%s", want, got)
				}
			}
			for _, unwanted := range tt.wantMissing {
				if strings.Contains(got, unwanted) {
					t.Errorf("MergeAll() contains %q:\n%s", unwanted, got)
				}
			}
			if strings.Contains(got, "stale memory copy") {
				t.Errorf("MergeAll() used Result.Text over the sink:\n%s", got)
			}
			if merged != 2 || dropped != 1 {
				t.Errorf("merged, dropped = %d, %d, want 2, 1", merged, dropped)
			}
		})
	}
}

func TestMergeAllEmpty(t *testing.T) {
	m := &Merger{}
	got, merged, dropped := m.MergeAll(nil)
	if got != "" || merged != 0 || dropped != 0 {
		t.Errorf("MergeAll(nil) = %q, %d, %d", got, merged, dropped)
	}
}

func TestFailureNoteExitCode(t *testing.T) {
	got := failureNote(worker.Result{Job: "x", ExitCode: 2}, "")
	if got != "(failed: exit status 2)" {
		t.Errorf("failureNote() = %q", got)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "merged.md")
	m := &Merger{Logger: zaptest.NewLogger(t)}

	merged, dropped, err := m.WriteFile(path, []worker.Result{{Job: "a", Text: "alpha"}})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if merged != 1 || dropped != 0 {
		t.Errorf("merged, dropped = %d, %d", merged, dropped)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "## a\n\nalpha\n" {
		t.Errorf("file = %q", data)
	}
}
