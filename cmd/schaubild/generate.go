package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rhuss/schaubild/pkg/api"
)

// errNoDiagram signals a finished run without a diagram. The details have
// already been printed.
var errNoDiagram = errors.New("no diagram was produced")

type generateOptions struct {
	renderer   string
	maxRepairs int
	progress   bool
	jsonOut    bool
}

func (o *generateOptions) addFlags(cmd *cobra.Command, progress bool) {
	f := cmd.Flags()
	f.StringVarP(&o.renderer, "renderer", "r", "", "diagram backend: python, dot or mermaid (default from config)")
	f.IntVar(&o.maxRepairs, "max-repairs", 0, "repair attempts after the first failed execution (default from config)")
	f.BoolVarP(&o.progress, "progress", "p", progress, "print progress to stderr")
	f.BoolVar(&o.jsonOut, "json", false, "print the result as JSON")
}

// request builds a GenerateRequest, leaving MaxRepairs unset unless the
// flag was given.
func (o *generateOptions) request(cmd *cobra.Command, topic string) *api.GenerateRequest {
	req := &api.GenerateRequest{Topic: topic, Renderer: api.Renderer(o.renderer)}
	if cmd.Flags().Changed("max-repairs") {
		n := o.maxRepairs
		req.MaxRepairs = &n
	}
	return req
}

func newGenerateCmd(g *globalOptions) *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate <topic>",
		Short: "Generate one diagram and print its path",
		Example: `  schaubild generate "CI pipeline from commit to production deploy"
  schaubild generate -r dot --max-repairs 3 "OAuth2 authorization code flow"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), g.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			topic := strings.Join(args, " ")
			return runGenerate(cmd.Context(), a, opts.request(cmd, topic), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	opts.addFlags(cmd, false)
	return cmd
}

// runGenerate runs one request and prints the outcome. It returns
// errNoDiagram when the run did not succeed.
func runGenerate(ctx context.Context, a *app, req *api.GenerateRequest, opts *generateOptions, stdout, stderr io.Writer) error {
	var observer api.Observer
	if opts.progress {
		observer = progressPrinter(stderr)
	}

	run, err := a.service.Generate(ctx, req, observer)
	if run == nil {
		return err
	}

	if opts.jsonOut {
		resp := api.NewGenerateResponse(run)
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else {
		printRun(stdout, stderr, run)
	}

	if run.Status != api.RunStatusSucceeded {
		return errNoDiagram
	}
	return nil
}

// printRun writes the diagram path to stdout on success and the failure
// summary to stderr otherwise.
func printRun(stdout, stderr io.Writer, run *api.Run) {
	if run.Status == api.RunStatusSucceeded {
		fmt.Fprintln(stdout, run.ArtifactPath)
		return
	}

	fmt.Fprintf(stderr, "diagram generation %s after %d execution(s)", run.Status, run.Executions())
	if run.Error != nil {
		fmt.Fprintf(stderr, ": %s", run.Error.Message)
	}
	fmt.Fprintln(stderr)
	if run.Error != nil && run.Error.LastFailure != nil {
		lf := run.Error.LastFailure
		fmt.Fprintf(stderr, "last failure (%s): %s\n", lf.Kind, lf.Message)
	}
	if run.TranscriptPath != "" {
		fmt.Fprintf(stderr, "transcript: %s\n", run.TranscriptPath)
	}
}

// progressPrinter reports run events as one line each.
func progressPrinter(w io.Writer) api.Observer {
	return func(ev api.Event) {
		switch ev.Type {
		case api.EventRunStarted:
			fmt.Fprintf(w, "[%s] started\n", ev.RunID)
		case api.EventDescriptionReady:
			fmt.Fprintf(w, "[%s] description ready\n", ev.RunID)
		case api.EventCandidateCreated:
			if ev.Attempt == 0 {
				fmt.Fprintf(w, "[%s] code generated\n", ev.RunID)
			} else {
				fmt.Fprintf(w, "[%s] repair %d generated\n", ev.RunID, ev.Attempt)
			}
		case api.EventExecutionSucceeded:
			fmt.Fprintf(w, "[%s] rendered %s\n", ev.RunID, ev.Artifact)
		case api.EventExecutionFailed:
			kind, msg := api.FailureKind("unknown"), ""
			if ev.Failure != nil {
				kind, msg = ev.Failure.Kind, ev.Failure.Message
			}
			fmt.Fprintf(w, "[%s] execution %d failed (%s): %s\n", ev.RunID, ev.Attempt+1, kind, msg)
		case api.EventRunCompleted:
			if ev.Run != nil {
				fmt.Fprintf(w, "[%s] %s\n", ev.RunID, ev.Run.Status)
			}
		}
	}
}
