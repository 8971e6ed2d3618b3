package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thechewu/pifan/pkg/events"
	"github.com/thechewu/pifan/pkg/invocation"
	"github.com/thechewu/pifan/pkg/models"
	"github.com/thechewu/pifan/pkg/rpc"
)

var rpcCmd = &cobra.Command{
	Use:   "rpc [prompt]",
	Short: "Talk to pi over its rpc protocol",
	Long: `Starts pi in rpc mode. With a prompt argument, sends it, prints the answer
and exits. Otherwise every line read from stdin is sent as a prompt, except:

  /model <selector>   switch model (catalog selectors, id:thinking allowed)
  /thinking <level>   switch thinking level
  /quit               end the session

Ctrl-C during a prompt aborts that turn only.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := invocationConfig(cmd)
		if err != nil {
			return err
		}
		c.Mode = invocation.ModeRPC
		for _, w := range c.Lint() {
			logger.Warn("suspicious invocation config", zap.String("warning", w))
		}
		inv, err := cfg.Builder().Build(c, "")
		if err != nil {
			return err
		}
		d, err := newDispatcher(cmd)
		if err != nil {
			return err
		}

		client, err := rpc.Start(cmd.Context(), inv, d.Environ("rpc"), logger)
		if err != nil {
			return err
		}
		defer client.Close()
		client.OnEvent = func(rec events.Record) {
			if res, ok := rec.ToolResult(); ok {
				logger.Debug("tool result", zap.String("tool", res.Tool), zap.Bool("is_error", res.IsError), zap.Int("bytes", len(res.Output)))
			}
		}

		if len(args) > 0 {
			answer, err := promptInterruptible(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}
			fmt.Println(answer)
			return nil
		}
		return rpcLoop(cmd.Context(), client, cfg.Catalog(), os.Stdin, os.Stdout)
	},
}

// rpcLoop reads lines from in until EOF or /quit. Failed commands are
// reported on out and the session continues; a closed agent ends it.
func rpcLoop(ctx context.Context, client *rpc.Client, catalog *models.Catalog, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var err error
		switch cmd, arg, _ := strings.Cut(line, " "); cmd {
		case "/quit", "/exit":
			return nil
		case "/model":
			err = switchModel(ctx, client, catalog, strings.TrimSpace(arg))
		case "/thinking":
			var level models.ThinkingLevel
			if level, err = models.ParseThinkingLevel(strings.TrimSpace(arg)); err == nil {
				err = client.SetThinkingLevel(ctx, level)
			}
		default:
			var answer string
			if answer, err = promptInterruptible(ctx, client, line); err == nil {
				fmt.Fprintln(out, answer)
			}
		}
		if errors.Is(err, rpc.ErrClosed) {
			return err
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func switchModel(ctx context.Context, client *rpc.Client, catalog *models.Catalog, selector string) error {
	match, err := catalog.Resolve(selector)
	if err != nil {
		return err
	}
	if err := client.SetModel(ctx, match.Model); err != nil {
		return err
	}
	if match.Thinking != models.ThinkingUnset {
		return client.SetThinkingLevel(ctx, match.Thinking)
	}
	return nil
}

// promptInterruptible sends one prompt; an interrupt aborts just this turn.
func promptInterruptible(ctx context.Context, client *rpc.Client, text string) (string, error) {
	pctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	return client.Prompt(pctx, text)
}
