// Command schaubild turns a topic into a rendered diagram. A language model
// writes diagram code, the code runs in a sandbox, and failures are fed
// back to the model for repair.
//
// Subcommands:
//
//	schaubild generate <topic>   run one request and print the diagram path
//	schaubild chat               read topics from stdin, one per line
//	schaubild serve              start the HTTP API
//	schaubild mcp                start the MCP server (stdio or HTTP)
//	schaubild version            print the version
//
// Configuration is read from config.yaml (see pkg/config), .env and
// API.env files, and SCHAUBILD_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhuss/schaubild/pkg/config"
	"github.com/rhuss/schaubild/pkg/debug"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by all subcommands.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	debug      string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "schaubild",
		Short:         "Generate diagrams from a topic with a self-repairing LLM loop",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: ERROR, WARN, INFO, DEBUG or TRACE")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&opts.debug, "debug", "", "comma-separated debug categories (llm,sandbox,engine,http,mcp,all)")

	cmd.AddCommand(
		newGenerateCmd(opts),
		newChatCmd(opts),
		newServeCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads the configuration and installs the default logger. Flags win
// over the config file and environment.
func (o *globalOptions) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if o.debug != "" {
		cfg.Logging.Debug = o.debug
	}

	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)
	o.cfg = cfg
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// No configuration is needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "schaubild %s\n", version)
		},
	}
}
