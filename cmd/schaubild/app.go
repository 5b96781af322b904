package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/artifact"
	"github.com/rhuss/schaubild/pkg/auth"
	"github.com/rhuss/schaubild/pkg/auth/apikey"
	"github.com/rhuss/schaubild/pkg/auth/jwt"
	"github.com/rhuss/schaubild/pkg/auth/noop"
	"github.com/rhuss/schaubild/pkg/config"
	"github.com/rhuss/schaubild/pkg/engine"
	"github.com/rhuss/schaubild/pkg/generator"
	"github.com/rhuss/schaubild/pkg/llm"
	"github.com/rhuss/schaubild/pkg/llm/openai"
	"github.com/rhuss/schaubild/pkg/llm/openaicompat"
	"github.com/rhuss/schaubild/pkg/retrieval"
	"github.com/rhuss/schaubild/pkg/sandbox"
	"github.com/rhuss/schaubild/pkg/sandbox/dot"
	"github.com/rhuss/schaubild/pkg/sandbox/kubernetes"
	"github.com/rhuss/schaubild/pkg/service"
	"github.com/rhuss/schaubild/pkg/storage/memory"
	"github.com/rhuss/schaubild/pkg/storage/postgres"
	"github.com/rhuss/schaubild/pkg/transport"
)

// app holds the components shared by all subcommands.
type app struct {
	cfg       *config.Config
	service   *service.Service
	artifacts *artifact.Store
	closers   []func() error
}

// buildApp wires the configured LLM backend, sandboxes, loops and store
// into a Service.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	artifacts, err := artifact.NewStore(cfg.Artifacts.Dir)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	a.artifacts = artifacts

	provider, err := newProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, provider.Close)

	var opts []engine.Option
	if cfg.Retrieval.Dir != "" {
		ix, err := retrieval.Load(retrieval.Config{
			Dir:          cfg.Retrieval.Dir,
			Patterns:     cfg.Retrieval.Patterns,
			ChunkSize:    cfg.Retrieval.ChunkSize,
			ChunkOverlap: cfg.Retrieval.ChunkOverlap,
			TopK:         cfg.Retrieval.TopK,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		slog.Info("retrieval enabled", "dir", cfg.Retrieval.Dir, "chunks", ix.Len())
		opts = append(opts, engine.WithRetriever(ix))
	}

	var acquirer sandbox.Acquirer
	if cfg.Sandbox.Mode == "remote" {
		acquirer, err = newAcquirer(cfg.Sandbox)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	loops := make([]*engine.Loop, 0, len(cfg.Engine.Renderers))
	for _, name := range cfg.Engine.Renderers {
		renderer := api.Renderer(name)
		loop, err := newLoop(renderer, provider, newSandbox(renderer, cfg, artifacts, acquirer), cfg, opts...)
		if err != nil {
			a.Close()
			return nil, err
		}
		loops = append(loops, loop)
	}

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	if store != nil {
		a.closers = append(a.closers, store.Close)
	}

	svc, err := service.New(loops, store, artifacts, service.Config{
		DefaultRenderer:   api.Renderer(cfg.Engine.DefaultRenderer),
		MaxConcurrentRuns: cfg.Server.MaxConcurrentRuns,
		Validation: api.ValidationConfig{
			MaxTopicLength: cfg.Engine.MaxTopicLength,
			MaxRepairs:     cfg.Engine.MaxRepairsLimit,
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.service = svc

	slog.Info("schaubild ready",
		"backend", cfg.LLM.Backend,
		"model", cfg.LLM.Model,
		"renderers", cfg.Engine.Renderers,
		"sandbox", cfg.Sandbox.Mode,
		"storage", cfg.Storage.Type,
		"artifacts", artifacts.Dir(),
	)
	return a, nil
}

// Close releases the LLM client and the store.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newProvider creates the chat backend with retries applied.
func newProvider(cfg config.LLMConfig) (llm.Provider, error) {
	var p llm.Provider
	switch cfg.Backend {
	case "openai":
		p = openai.New(openai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})
	case "openaicompat":
		p = openaicompat.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
	if cfg.APIKey == "" {
		slog.Warn("no LLM API key configured", "backend", cfg.Backend, "base_url", cfg.BaseURL)
	}
	return llm.WithRetry(p, llm.RetryOptions{
		MaxRetries: cfg.MaxRetries,
		Interval:   cfg.RetryInterval,
	}), nil
}

func newLoop(renderer api.Renderer, p llm.Provider, sb sandbox.Sandbox, cfg *config.Config, opts ...engine.Option) (*engine.Loop, error) {
	genCfg := generator.Config{
		Renderer: renderer,
		Models: generator.Models{
			Default:  cfg.LLM.Model,
			Describe: cfg.LLM.DescribeModel,
			Code:     cfg.LLM.CodeModel,
			Repair:   cfg.LLM.RepairModel,
		},
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}

	gen, err := generator.NewGenerator(llm.Instrumented(p, "describe"), llm.Instrumented(p, "generate"), genCfg)
	if err != nil {
		return nil, err
	}
	rep, err := generator.NewRepairer(llm.Instrumented(p, "repair"), genCfg)
	if err != nil {
		return nil, err
	}

	return engine.New(renderer, gen, rep, sb, engine.Config{
		MaxRepairs:      cfg.Engine.MaxRepairs,
		GenerateTimeout: cfg.Engine.GenerateTimeout,
		RepairTimeout:   cfg.Engine.RepairTimeout,
		ExecuteTimeout:  cfg.Engine.ExecuteTimeout,
		StopOnRepeat:    cfg.Engine.StopOnRepeat,
	}, opts...)
}

// newSandbox picks where candidates of a renderer run. DOT is always
// rendered in process; python and mermaid run as local subprocesses or on
// a sandbox server.
func newSandbox(renderer api.Renderer, cfg *config.Config, artifacts *artifact.Store, acquirer sandbox.Acquirer) sandbox.Sandbox {
	timeout := cfg.Engine.ExecuteTimeout
	if renderer == api.RendererDOT {
		return dot.New(artifacts, cfg.Sandbox.DOTLayout, timeout)
	}

	rt := sandbox.PythonRuntime(cfg.Sandbox.PythonBinary)
	if renderer == api.RendererMermaid {
		rt = sandbox.MermaidRuntime(cfg.Sandbox.MermaidBinary)
	}

	if acquirer != nil {
		return sandbox.NewRemote(sandbox.NewClient(2*timeout), acquirer, artifacts, rt, timeout)
	}
	return sandbox.NewLocal(sandbox.NewExecutor(rt, sandbox.WithBaseDir(cfg.Sandbox.WorkDir)), artifacts, timeout)
}

// newAcquirer returns a fixed sandbox server or, with Kubernetes enabled,
// one agent-sandbox claim per execution.
func newAcquirer(cfg config.SandboxConfig) (sandbox.Acquirer, error) {
	if !cfg.Kubernetes.Enabled {
		return sandbox.StaticAcquirer{URL: cfg.RemoteURL}, nil
	}

	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	scheme, err := kubernetes.NewScheme()
	if err != nil {
		return nil, err
	}
	c, err := ctrlclient.New(restCfg, ctrlclient.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return kubernetes.NewClaimAcquirer(c, kubernetes.Options{
		Template:  cfg.Kubernetes.Template,
		Namespace: cfg.Kubernetes.Namespace,
		Timeout:   cfg.Kubernetes.Timeout,
		Port:      cfg.Kubernetes.Port,
	}), nil
}

// newStore returns nil when run history is disabled.
func newStore(ctx context.Context, cfg config.StorageConfig) (transport.RunStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.MaxSize), nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		return s, nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

// newAuthMiddleware builds the authentication and rate limiting middleware
// for the HTTP server.
func newAuthMiddleware(cfg config.AuthConfig) (func(http.Handler) http.Handler, error) {
	var chain *auth.AuthChain
	switch cfg.Type {
	case "none", "":
		chain = auth.NewChain(auth.Yes, &noop.Authenticator{Tenant: cfg.Tenant})
	case "apikey":
		entries := make([]apikey.RawKeyEntry, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			id := auth.Identity{Subject: k.Subject, ServiceTier: k.ServiceTier}
			if k.TenantID != "" {
				id.Metadata = map[string]string{"tenant_id": k.TenantID}
			}
			entries = append(entries, apikey.RawKeyEntry{Key: k.Key, Identity: id})
		}
		chain = auth.NewChain(auth.No, apikey.New(entries))
	case "jwt":
		chain = auth.NewChain(auth.No, jwt.New(jwt.Config{
			Issuer:      cfg.JWT.Issuer,
			Audience:    cfg.JWT.Audience,
			Secret:      cfg.JWT.Secret,
			JWKSURL:     cfg.JWT.JWKSURL,
			UserClaim:   cfg.JWT.UserClaim,
			TenantClaim: cfg.JWT.TenantClaim,
			TierClaim:   cfg.JWT.TierClaim,
		}))
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}

	var limiter auth.RateLimiter
	if cfg.RateLimit.DefaultRPM > 0 || len(cfg.RateLimit.Tiers) > 0 {
		tiers := make(map[string]auth.TierConfig, len(cfg.RateLimit.Tiers))
		for name, t := range cfg.RateLimit.Tiers {
			tiers[name] = auth.TierConfig{RequestsPerMinute: t.RequestsPerMinute, Burst: t.Burst}
		}
		limiter = auth.NewBucketLimiter(tiers, cfg.RateLimit.DefaultRPM)
	}

	return auth.Middleware(chain, limiter, auth.DefaultBypassEndpoints), nil
}
