package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thechewu/pifan/pkg/manifest"
	"github.com/thechewu/pifan/pkg/worker"
)

var logsCmd = &cobra.Command{
	Use:   "logs [sink-or-job]",
	Short: "Print sink output (every job of the latest run, or one sink)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")

		if len(args) == 0 {
			dir, err := latestRun(cfg.OutDir)
			if err != nil {
				return err
			}
			m, err := manifest.Load(dir)
			if err != nil {
				return err
			}
			printRun(os.Stdout, m, lines)
			return nil
		}

		path, err := resolveSinkArg(args[0])
		if err != nil {
			return err
		}
		if !follow {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read sink: %w", err)
			}
			_, err = os.Stdout.Write(data)
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		fmt.Fprintln(os.Stderr, "--- following (ctrl-c to stop) ---")
		return followFile(ctx, path, os.Stdout)
	},
}

// resolveSinkArg accepts a file path or the name of a job in the latest run.
// For json-mode jobs still running, the live event stream is returned.
func resolveSinkArg(arg string) (string, error) {
	if _, err := os.Stat(arg); err == nil {
		return arg, nil
	}
	dir, err := latestRun(cfg.OutDir)
	if err != nil {
		return arg, nil
	}
	m, err := manifest.Load(dir)
	if err != nil {
		return "", err
	}
	for _, e := range m.Jobs {
		if e.Name != arg || e.Sink == "" || e.Sink == worker.SinkStdout {
			continue
		}
		if e.State == manifest.StateRunning {
			if _, err := os.Stat(e.Sink + worker.EventsSuffix); err == nil {
				return e.Sink + worker.EventsSuffix, nil
			}
		}
		return e.Sink, nil
	}
	// not there yet; follow mode will wait for it
	return arg, nil
}

func printRun(w io.Writer, m *manifest.Manifest, lines int) {
	if len(m.Jobs) == 0 {
		fmt.Fprintln(w, "no jobs in run")
		return
	}
	for _, e := range m.Jobs {
		if e.Sink == "" || e.Sink == worker.SinkStdout {
			fmt.Fprintf(w, "=== %s === (%s, no sink)\n\n", e.Name, e.State)
			continue
		}
		info, err := os.Stat(e.Sink)
		if err != nil {
			fmt.Fprintf(w, "=== %s === (%s, no output)\n\n", e.Name, e.State)
			continue
		}
		fmt.Fprintf(w, "=== %s === (%s, %s, %d bytes)\n", e.Name, e.State, info.ModTime().Format("15:04:05"), info.Size())
		printTail(w, e.Sink, lines)
		fmt.Fprintln(w)
	}
}

func printTail(w io.Writer, path string, lines int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	allLines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	start := len(allLines) - lines
	if start < 0 {
		start = 0
	}
	for _, line := range allLines[start:] {
		fmt.Fprintln(w, line)
	}
}

// followFile copies path to w and keeps copying appended bytes until ctx
// ends. The file may not exist yet; a file that shrinks (recreated by a new
// run) is read again from the start.
func followFile(ctx context.Context, path string, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	offset, err := copyFrom(path, 0, w)
	if err != nil {
		return err
	}
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			offset, err = copyFrom(path, offset, w)
			if err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Warn("watch error", zap.String("path", path), zap.Error(err))
			}
		}
	}
}

// copyFrom writes the bytes of path past offset to w and returns the new
// offset. A missing file is not an error.
func copyFrom(path string, offset int64, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return offset, nil
	}
	if err != nil {
		return offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	n, err := io.Copy(w, f)
	return offset + n, err
}
