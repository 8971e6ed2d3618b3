// Package rpc drives a pi agent running in rpc mode: commands go to the
// agent's stdin as JSON lines and events come back on its stdout in the same
// format json mode uses.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/thechewu/pifan/pkg/events"
	"github.com/thechewu/pifan/pkg/invocation"
	"github.com/thechewu/pifan/pkg/models"
)

// Command types understood by the agent.
const (
	CmdPrompt           = "prompt"
	CmdSetModel         = "set_model"
	CmdSetThinkingLevel = "set_thinking_level"
	CmdAbort            = "abort"
)

// ErrClosed is returned once the agent's event stream has ended.
var ErrClosed = errors.New("rpc: agent stream closed")

// Command is one request line. Only the fields relevant to Type are sent.
type Command struct {
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"modelId,omitempty"`
	Level    string `json:"level,omitempty"`
}

// CommandError is a response record with success=false.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("rpc %s failed: %s", e.Command, e.Message)
}

// Client is a session with one agent. Calls are serialized; the agent only
// handles one prompt at a time.
type Client struct {
	// OnEvent, if set, sees every record read while a call is waiting.
	OnEvent func(events.Record)

	w      io.WriteCloser
	logger *zap.Logger

	writeMu sync.Mutex
	callMu  sync.Mutex

	records chan events.Record
	readErr error // set before records is closed
	closed  chan struct{}
	once    sync.Once

	cmd    *exec.Cmd
	stderr *strings.Builder // agent stderr, read after the process exits
	done   chan struct{}    // closed once the reader exits
}

// NewClient wraps an agent's stdin (w) and stdout (r). It starts one
// goroutine that reads r until EOF or Close.
func NewClient(w io.WriteCloser, r io.Reader, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		w:       w,
		logger:  logger,
		records: make(chan events.Record),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.read(r)
	return c
}

// Start launches inv (which must be an rpc-mode invocation) and connects a
// client to it. The process is stopped when ctx is canceled or on Close.
func Start(ctx context.Context, inv invocation.Invocation, env []string, logger *zap.Logger) (*Client, error) {
	if inv.Mode != invocation.ModeRPC {
		return nil, fmt.Errorf("rpc: invocation mode is %q, want %q", inv.Mode, invocation.ModeRPC)
	}
	cmd := exec.CommandContext(ctx, inv.Bin, inv.Args...)
	cmd.Env = env
	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Bin, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("rpc agent started", zap.String("cmd", inv.String()), zap.Int("pid", cmd.Process.Pid))

	c := NewClient(stdin, stdout, logger)
	c.cmd = cmd
	c.stderr = &stderr
	return c, nil
}

func (c *Client) read(r io.Reader) {
	defer close(c.done)
	defer close(c.records)
	for rec, err := range events.Scan(r) {
		if err != nil {
			var lineErr *events.LineError
			if errors.As(err, &lineErr) {
				c.logger.Warn("rpc: skipping undecodable line", zap.Error(err))
				continue
			}
			c.readErr = err
			return
		}
		select {
		case c.records <- rec:
		case <-c.closed:
			return
		}
	}
}

// Send writes one command line.
func (c *Client) Send(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("rpc: send %s: %w", cmd.Type, err)
	}
	return nil
}

// Prompt sends message and waits for the agent to finish its turn,
// returning the text of the last assistant message. If ctx ends first an
// abort is sent and the turn is drained before returning ctx.Err().
func (c *Client) Prompt(ctx context.Context, message string) (string, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.Send(Command{Type: CmdPrompt, Message: message}); err != nil {
		return "", err
	}

	var last []string
	aborted := false
	for {
		var rec events.Record
		var ok bool
		if aborted {
			rec, ok = <-c.records
		} else {
			select {
			case rec, ok = <-c.records:
			case <-ctx.Done():
				c.logger.Info("rpc: aborting prompt", zap.Error(ctx.Err()))
				if err := c.Send(Command{Type: CmdAbort}); err != nil {
					return "", errors.Join(ctx.Err(), err)
				}
				aborted = true
				continue
			}
		}
		if !ok {
			return "", c.streamErr()
		}
		c.observe(rec)

		switch {
		case rec.Type == events.TypeResponse && rec.Command == CmdPrompt:
			if err := responseErr(rec); err != nil {
				return "", err
			}
		case rec.IsFinalAssistant():
			last = rec.Texts()
		case rec.Type == events.TypeAgentEnd:
			if aborted {
				return "", ctx.Err()
			}
			return strings.Join(last, "\n"), nil
		}
	}
}

// SetModel switches the agent's model.
func (c *Client) SetModel(ctx context.Context, m models.Model) error {
	return c.call(ctx, Command{Type: CmdSetModel, Provider: m.Provider, ModelID: m.ID})
}

// SetThinkingLevel changes the reasoning effort for later prompts.
func (c *Client) SetThinkingLevel(ctx context.Context, level models.ThinkingLevel) error {
	if level == models.ThinkingUnset {
		return errors.New("rpc: thinking level is unset")
	}
	return c.call(ctx, Command{Type: CmdSetThinkingLevel, Level: level.String()})
}

// Abort asks the agent to stop the current turn. It does not wait; a
// pending Prompt returns when the agent reports the end of the turn.
func (c *Client) Abort() error {
	return c.Send(Command{Type: CmdAbort})
}

// Close ends the session: stdin is closed, the reader stopped, and a
// process started by Start is waited for. A failed exit carries the agent's
// stderr.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		err = c.w.Close()
		close(c.closed)
		<-c.done
		if c.cmd != nil {
			if werr := c.cmd.Wait(); werr != nil && err == nil {
				err = fmt.Errorf("rpc agent: %w", werr)
				if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
					err = fmt.Errorf("rpc agent: %w: %s", werr, msg)
				}
			}
		}
	})
	return err
}

// call sends a command and waits for its response record.
func (c *Client) call(ctx context.Context, cmd Command) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.Send(cmd); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-c.records:
			if !ok {
				return c.streamErr()
			}
			c.observe(rec)
			if rec.Type == events.TypeResponse && rec.Command == cmd.Type {
				return responseErr(rec)
			}
		}
	}
}

func (c *Client) observe(rec events.Record) {
	if c.OnEvent != nil {
		c.OnEvent(rec)
	}
}

func (c *Client) streamErr() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

func responseErr(rec events.Record) error {
	if rec.Success == nil || *rec.Success {
		return nil
	}
	msg := rec.Error
	if msg == "" {
		msg = "no error message"
	}
	return &CommandError{Command: rec.Command, Message: msg}
}
