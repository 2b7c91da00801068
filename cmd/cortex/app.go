package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/cortex-agent/internal/agent"
	"github.com/nugget/cortex-agent/internal/calendar"
	"github.com/nugget/cortex-agent/internal/config"
	"github.com/nugget/cortex-agent/internal/contacts"
	"github.com/nugget/cortex-agent/internal/creds"
	"github.com/nugget/cortex-agent/internal/directions"
	"github.com/nugget/cortex-agent/internal/drive"
	"github.com/nugget/cortex-agent/internal/email"
	"github.com/nugget/cortex-agent/internal/httpkit"
	"github.com/nugget/cortex-agent/internal/kv"
	"github.com/nugget/cortex-agent/internal/llm"
	"github.com/nugget/cortex-agent/internal/mcp"
	"github.com/nugget/cortex-agent/internal/observability"
	"github.com/nugget/cortex-agent/internal/session"
	"github.com/nugget/cortex-agent/internal/store"
	"github.com/nugget/cortex-agent/internal/tools"
	"github.com/nugget/cortex-agent/internal/weather"
)

// runtime is the assembled component graph shared by serve and ask.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	backend  *kv.Store
	store    *store.Store
	creds    *creds.Manager
	tools    *tools.Registry
	llm      *llm.OpenAI
	loop     *agent.Loop
	sessions *session.Registry
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// openStore opens the configured backend and the domain store over it.
// The caller closes the backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*kv.Store, *store.Store, error) {
	dsn := cfg.Store.Path
	if cfg.Store.Driver == "postgres" {
		dsn = cfg.Store.DSN
	}
	backend, err := kv.Open(ctx, cfg.Store.Driver, dsn, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	opts := []store.Option{store.WithLogger(logger)}
	key, err := cfg.Credentials.Key()
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	if key != nil {
		opts = append(opts, store.WithSealer(store.NewSealer(key)))
	} else {
		logger.Warn("credentials.encryption_key not set; tokens are stored unencrypted")
	}
	return backend, store.New(backend, opts...), nil
}

// newCredsManager builds the credential manager. It is shared by the
// runtime and the link command, which needs nothing else.
func newCredsManager(cfg *config.Config, st *store.Store, logger *slog.Logger, mt *observability.Metrics) *creds.Manager {
	c := cfg.Credentials
	return creds.New(st, creds.Config{
		ClientID:      c.ClientID,
		ClientSecret:  c.ClientSecret,
		AuthURL:       c.AuthURL,
		TokenURL:      c.TokenURL,
		UserInfoURL:   c.UserInfoURL,
		RedirectURL:   cfg.Listen.BaseURL() + "/api/auth/callback",
		Services:      c.Services,
		StateSecret:   c.StateSecret,
		StateTTL:      c.StateTTL,
		RefreshMargin: c.RefreshMargin,
	},
		creds.WithHTTPClient(httpkit.NewClient(httpkit.WithLogger(logger))),
		creds.WithLogger(logger),
		creds.WithMetrics(mt),
	)
}

// newRuntime wires every component from cfg. Close releases the store.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}

	backend, st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.backend, rt.store = backend, st
	rt.creds = newCredsManager(cfg, st, logger, rt.metrics)

	// Public APIs share one retrying client; account-backed services get
	// their authorized client from the credential manager per call.
	public := httpkit.NewClient(httpkit.WithRetry(2, 500*time.Millisecond), httpkit.WithLogger(logger))

	deps := tools.Deps{
		Store:         st,
		Creds:         rt.creds,
		Mail:          email.NewClient(email.Config{IMAPHost: cfg.Mail.IMAPHost, IMAPPort: cfg.Mail.IMAPPort, SMTPHost: cfg.Mail.SMTPHost, SMTPPort: cfg.Mail.SMTPPort}, logger),
		Calendar:      calendar.New(cfg.Calendar.BaseURL, time.Local, logger),
		Contacts:      contacts.New(cfg.Contacts.BaseURL, logger),
		Drive:         drive.New(cfg.Drive.BaseURL, logger),
		Weather:       weather.New(cfg.Weather.GeocodeURL, cfg.Weather.ForecastURL, public, logger),
		Directions:    directions.New(cfg.Directions.GeocodeURL, cfg.Directions.RouteURL, cfg.Directions.Profile, public, logger),
		LookaheadDays: cfg.Calendar.LookaheadDays,
	}

	regOpts := []tools.Option{tools.WithLogger(logger), tools.WithMetrics(rt.metrics)}
	if len(cfg.MCP.Servers) > 0 {
		servers := make([]mcp.Server, 0, len(cfg.MCP.Servers))
		for _, s := range cfg.MCP.Servers {
			servers = append(servers, mcp.Server{Name: s.Name, URL: s.URL, Headers: s.Headers})
		}
		regOpts = append(regOpts, tools.WithProvider(mcp.NewManager(servers, httpkit.NewClient(httpkit.WithLogger(logger)), logger)))
		logger.Info("secondary tool servers configured", "count", len(servers))
	}
	rt.tools = tools.NewRegistry(regOpts...)
	if err := tools.RegisterBuiltins(rt.tools, deps); err != nil {
		rt.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	rt.llm = newLLMClient(cfg, logger)
	rt.loop = agent.NewLoop(logger, rt.llm, rt.tools, agent.Config{
		SystemPrompt:   cfg.Agent.SystemPrompt,
		FollowUpPrompt: cfg.Agent.FollowUpPrompt,
		HistoryTurns:   cfg.Agent.HistoryTurns,
		FollowUpTurns:  cfg.Agent.FollowUpTurns,
		MaxToolWorkers: cfg.Agent.MaxToolWorkers,
	})
	rt.sessions = session.NewRegistry(st, rt.loop, session.Config{
		DefaultModel: cfg.LLM.DefaultModel,
		TurnTimeout:  cfg.Agent.TurnTimeout,
	}, session.WithLogger(logger), session.WithMetrics(rt.metrics))

	logger.Info("runtime initialized",
		"store", cfg.Store.Driver,
		"model", cfg.LLM.DefaultModel,
		"tools", len(rt.tools.Names()),
	)
	return rt, nil
}

// Close releases the backend.
func (rt *runtime) Close() {
	if rt.backend == nil {
		return
	}
	if err := rt.backend.Close(); err != nil {
		rt.logger.Warn("store close failed", "error", err)
	}
}

// newLLMClient builds the completion client. Streamed replies can run
// long, so the client has no overall timeout; llm.timeout bounds the
// wait for response headers instead.
func newLLMClient(cfg *config.Config, logger *slog.Logger) *llm.OpenAI {
	tr := httpkit.NewTransport()
	if cfg.LLM.Timeout > 0 {
		tr.ResponseHeaderTimeout = cfg.LLM.Timeout
	}
	opts := []httpkit.ClientOption{httpkit.WithTimeout(0), httpkit.WithTransport(tr), httpkit.WithLogger(logger)}
	for k, v := range cfg.LLM.Headers {
		opts = append(opts, httpkit.WithHeader(k, v))
	}

	aliases := make([]llm.Alias, 0, len(cfg.LLM.Aliases))
	for _, a := range cfg.LLM.Aliases {
		aliases = append(aliases, llm.Alias{Contains: a.Contains, Target: a.Target})
	}
	return llm.NewOpenAI(llm.Config{
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		DefaultModel: cfg.LLM.DefaultModel,
		Aliases:      aliases,
		HTTPClient:   httpkit.NewClient(opts...),
		Logger:       logger,
	})
}

// newLogger builds the configured logger writing to w.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	logger, err := config.NewLogger(w, cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}
