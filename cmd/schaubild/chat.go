package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newChatCmd(g *globalOptions) *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Read topics from stdin and generate a diagram for each",
		Long: `chat reads one topic per line and answers each with the path of the
rendered diagram. A failed topic does not end the session. Type "exit" or
send EOF to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), g.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return runChat(cmd, a, opts)
		},
	}
	opts.addFlags(cmd, true)
	return cmd
}

func runChat(cmd *cobra.Command, a *app, opts *generateOptions) error {
	ctx := cmd.Context()
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(stderr, "topic> ")
		if !scanner.Scan() {
			fmt.Fprintln(stderr)
			return scanner.Err()
		}
		topic := strings.TrimSpace(scanner.Text())
		switch topic {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		err := runGenerate(ctx, a, opts.request(cmd, topic), opts, stdout, stderr)
		if err := chatError(ctx, err, stderr); err != nil {
			return err
		}
	}
}

// chatError reports a per-topic failure and returns only errors that should
// end the session.
func chatError(ctx context.Context, err error, stderr io.Writer) error {
	switch {
	case err == nil, errors.Is(err, errNoDiagram):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return nil
}
