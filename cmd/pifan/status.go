package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/thechewu/pifan/pkg/manifest"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-dir]",
	Short: "Show the jobs of a run (the latest one by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		refresh, _ := cmd.Flags().GetDuration("refresh")

		dir, err := runDir(args)
		if err != nil {
			return err
		}
		m, err := manifest.Load(dir)
		if err != nil {
			return err
		}
		abandoned := false
		if !m.Done() {
			if _, alive := manifest.Owner(dir); !alive {
				abandoned = true
			}
		}
		if !watch || m.Done() || abandoned {
			fmt.Print(renderStatus(m, time.Now()))
			if abandoned {
				fmt.Printf("  %s\n", stateStyles[manifest.StateFailed].Render("dispatcher is gone; running jobs were abandoned"))
			}
			return nil
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		// Enter alternate screen buffer + hide cursor
		fmt.Print("\033[?1049h\033[?25l\033[2J")
		restore := func() { fmt.Print("\033[?25h\033[?1049l") }

		printFrame := func() {
			lines := strings.Split(renderStatus(m, time.Now()), "\n")
			var frame strings.Builder
			for i, line := range lines {
				frame.WriteString(line)
				frame.WriteString("\033[K") // clear to end of line
				if i < len(lines)-1 {
					frame.WriteByte('\n')
				}
			}
			fmt.Print("\033[H")
			fmt.Print(frame.String())
			fmt.Print("\033[J")
		}

		printFrame()
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				restore()
				return nil
			case <-ticker.C:
				if next, err := manifest.Load(dir); err == nil {
					m = next
				}
				if m.Done() {
					restore()
					fmt.Print(renderStatus(m, time.Now()))
					return nil
				}
				printFrame()
			}
		}
	},
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
	boldStyle  = lipgloss.NewStyle().Bold(true)
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))

	stateStyles = map[string]lipgloss.Style{
		manifest.StateOK:       lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		manifest.StateRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		manifest.StateFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		manifest.StateTimeout:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		manifest.StateCanceled: lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	}
)

func renderStatus(m *manifest.Manifest, now time.Time) string {
	var buf bytes.Buffer

	header := titleStyle.Render("PIFAN RUN " + m.RunID)
	meta := dimStyle.Render(fmt.Sprintf("%s  %s  started %s", defaultStr(m.Plan, "-"), m.Mode, m.StartedAt.Local().Format("15:04:05")))
	fmt.Fprintf(&buf, "  %s  %s\n", header, meta)
	fmt.Fprintf(&buf, "  %s\n\n", dimStyle.Render(strings.Repeat("─", 76)))

	counts := m.Counts()
	total := len(m.Jobs)
	finished := total - counts[manifest.StateRunning]
	pct := 0
	if total > 0 {
		pct = finished * 100 / total
	}
	fmt.Fprintf(&buf, "  %s %s %d/%d (%d%%)\n", boldStyle.Render("Progress:"), progressBar(finished, total, 30), finished, total, pct)
	fmt.Fprintf(&buf, "  %s %d  %s %d  %s %d  %s %d  %s %d\n",
		stateStyles[manifest.StateRunning].Render("Running:"), counts[manifest.StateRunning],
		stateStyles[manifest.StateOK].Render("OK:"), counts[manifest.StateOK],
		stateStyles[manifest.StateFailed].Render("Failed:"), counts[manifest.StateFailed],
		stateStyles[manifest.StateTimeout].Render("Timeout:"), counts[manifest.StateTimeout],
		stateStyles[manifest.StateCanceled].Render("Canceled:"), counts[manifest.StateCanceled])
	fmt.Fprintf(&buf, "\n")

	if total == 0 {
		fmt.Fprintf(&buf, "  %s\n", dimStyle.Render("(no jobs)"))
		return buf.String()
	}

	// Styled cells confuse tabwriter's width count, so the state column is
	// padded by hand and the rest aligned separately.
	var tbuf bytes.Buffer
	w := tabwriter.NewWriter(&tbuf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tEXIT\tTIME\tBYTES\tOUTPUT")
	for _, e := range m.Jobs {
		name := e.Name
		if e.Role != "" {
			name = e.Role + ":" + e.Name
		}
		elapsed := time.Duration(e.DurationMS) * time.Millisecond
		bytesOut := e.Bytes
		exit := fmt.Sprint(e.ExitCode)
		if e.State == manifest.StateRunning {
			elapsed = now.Sub(m.StartedAt)
			bytesOut = sinkSize(e.Sink)
			exit = "-"
		}
		output := e.Error
		if output == "" {
			output = tailOutput(e.Sink, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", name, exit, elapsed.Truncate(100*time.Millisecond), bytesOut, truncate(output, 60))
	}
	w.Flush()

	lines := strings.Split(strings.TrimRight(tbuf.String(), "\n"), "\n")
	for i, line := range lines {
		state := "STATE"
		style := dimStyle
		if i > 0 {
			state = m.Jobs[i-1].State
			style = stateStyles[state]
		}
		fmt.Fprintf(&buf, "  %s  %s\n", style.Render(fmt.Sprintf("%-8s", state)), line)
	}

	if m.Merged != "" {
		fmt.Fprintf(&buf, "\n  %s %s\n", boldStyle.Render("Merged:"), m.Merged)
	}
	return buf.String()
}

func sinkSize(path string) int {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return int(info.Size())
}

// tailOutput reads the last maxLen bytes of a sink as one line.
func tailOutput(path string, maxLen int) string {
	if path == "" || path == "-" {
		return "-"
	}
	f, err := os.Open(path)
	if err != nil {
		return "-"
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return "-"
	}

	// Read last maxLen bytes
	offset := info.Size() - int64(maxLen)
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, maxLen)
	n, _ := f.ReadAt(buf, offset)
	if n == 0 {
		return "-"
	}

	s := strings.TrimSpace(collapseSpaces(string(buf[:n])))
	if s == "" {
		return "-"
	}
	return s
}

// collapseSpaces flattens whitespace runs to single spaces and drops
// control characters.
func collapseSpaces(s string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '\n' || r == '\r' || r == '\t':
			if !prevSpace {
				b.WriteRune(' ')
			}
			prevSpace = true
		case r < 32:
			// drop
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return b.String()
}

func progressBar(done, total, width int) string {
	if total == 0 {
		return dimStyle.Render(strings.Repeat("░", width))
	}
	filled := done * width / total
	if filled > width {
		filled = width
	}
	return barStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", width-filled))
}

// runDir returns the run directory named in args, or the most recently
// written run under the configured out_dir.
func runDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return latestRun(cfg.OutDir)
}

func latestRun(outDir string) (string, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", fmt.Errorf("no runs found in %s (run 'pifan fan' first): %w", outDir, err)
	}
	var best string
	var bestTime time.Time
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(outDir, entry.Name())
		info, err := os.Stat(filepath.Join(dir, manifest.FileName))
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = dir, info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no runs found in %s (run 'pifan fan' first)", outDir)
	}
	return best, nil
}
