package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/schaubild/pkg/mcpserver"
)

func newMCPCmd(g *globalOptions) *cobra.Command {
	var (
		transport   string
		port        int
		inlineImage bool
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server exposing the generate_diagram tool",
		Long: `mcp serves the generate_diagram tool over stdio (for desktop clients)
or streamable HTTP. Logs always go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := g.cfg
			if cmd.Flags().Changed("transport") {
				cfg.MCP.Transport = transport
			}
			if cmd.Flags().Changed("port") {
				cfg.MCP.Port = port
			}

			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcpserver.New(a.service, mcpserver.Config{Version: version, InlineImage: inlineImage})

			switch cfg.MCP.Transport {
			case "stdio":
				slog.Info("mcp server starting", "transport", "stdio")
				return srv.ServeStdio(cmd.Context())
			case "http":
				authMW, err := newAuthMiddleware(cfg.Auth)
				if err != nil {
					return err
				}
				return serveMCPHTTP(cmd.Context(), fmt.Sprintf(":%d", cfg.MCP.Port), cfg.MCP.Path, authMW(srv.Handler()), cfg.Server.ShutdownTimeout)
			}
			return fmt.Errorf("unknown mcp transport %q", cfg.MCP.Transport)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "stdio or http (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port for the http transport (default from config)")
	cmd.Flags().BoolVar(&inlineImage, "inline-image", false, "attach the rendered PNG to tool results")
	return cmd
}

// serveMCPHTTP serves h on path until ctx is cancelled.
func serveMCPHTTP(ctx context.Context, addr, path string, h http.Handler, shutdownTimeout time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle(path, h)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcp server starting", "transport", "http", "addr", addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
