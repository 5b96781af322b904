package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rhuss/schaubild/pkg/mcpserver"
	transporthttp "github.com/rhuss/schaubild/pkg/transport/http"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var (
		port    int
		withMCP bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `serve exposes POST /v1/diagrams (JSON or server-sent events), the run
history under /v1/runs, /healthz, /readyz and /metrics. With --mcp the MCP
server is mounted on the same port under mcp.path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := g.cfg
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			authMW, err := newAuthMiddleware(cfg.Auth)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srvCfg := transporthttp.ServerConfig{
				Addr:            fmt.Sprintf(":%d", cfg.Server.Port),
				MaxBodySize:     cfg.Server.MaxBodySize,
				ReadTimeout:     cfg.Server.ReadTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
				Wrap:            []func(http.Handler) http.Handler{authMW},
			}
			if withMCP {
				mcpSrv := mcpserver.New(a.service, mcpserver.Config{Version: version})
				srvCfg.Wrap = append(srvCfg.Wrap, mount(cfg.MCP.Path, mcpSrv.Handler()))
				slog.Info("mcp server mounted", "path", cfg.MCP.Path)
			}

			slog.Info("auth configured", "type", cfg.Auth.Type,
				"rate_limit_rpm", cfg.Auth.RateLimit.DefaultRPM, "tiers", len(cfg.Auth.RateLimit.Tiers))

			return transporthttp.NewServer(a.service, a.service, srvCfg).Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "also serve MCP over streamable HTTP")
	return cmd
}

// mount routes requests for path and everything below it to h.
func mount(path string, h http.Handler) func(http.Handler) http.Handler {
	prefix := strings.TrimRight(path, "/") + "/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path || strings.HasPrefix(r.URL.Path, prefix) {
				h.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
