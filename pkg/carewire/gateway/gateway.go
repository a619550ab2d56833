// Package gateway provides the HTTP API surface: agent-assist and
// intent-detection endpoints for the agent desktop, plus inbound webhooks
// from the contact-center platform and the NLU fulfillment hooks.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/assist"
	"github.com/rfontaine/carewire/pkg/carewire/audit"
	"github.com/rfontaine/carewire/pkg/carewire/config"
	"github.com/rfontaine/carewire/pkg/carewire/conversation"
	"github.com/rfontaine/carewire/pkg/carewire/crm"
	"github.com/rfontaine/carewire/pkg/carewire/generation"
	"github.com/rfontaine/carewire/pkg/carewire/nlu"
	"github.com/rfontaine/carewire/pkg/carewire/storage"
	"github.com/rfontaine/carewire/pkg/carewire/telephony"
)

// Deps are the components the gateway serves. Telephony, Storage, Archiver,
// and Generator are optional; routes that need an absent component degrade
// rather than fail at startup.
type Deps struct {
	Config    *config.Config
	Store     *conversation.Store
	NLU       nlu.Engine
	CRM       crm.Provider
	Assist    *assist.Orchestrator
	Generator generation.Capability
	Telephony *telephony.Client
	Storage   *storage.Store
	Archiver  *storage.Archiver
	Audit     *audit.Logger
	Logger    *slog.Logger
}

// Gateway is the HTTP server for the service.
type Gateway struct {
	cfg       *config.Config
	store     *conversation.Store
	nlu       nlu.Engine
	crm       crm.Provider
	assist    *assist.Orchestrator
	generator generation.Capability
	telephony *telephony.Client
	storage   *storage.Store
	archiver  *storage.Archiver
	audit     *audit.Logger

	server    *http.Server
	logger    *slog.Logger
	limiters  *callerLimiters
	startedAt time.Time

	requestTimeout time.Duration
}

// New creates a Gateway. deps.Config, deps.Store, deps.NLU, deps.CRM, and
// deps.Assist are required.
func New(deps Deps) (*Gateway, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("gateway requires a config")
	}
	if deps.Store == nil || deps.NLU == nil || deps.CRM == nil || deps.Assist == nil {
		return nil, fmt.Errorf("gateway requires store, nlu, crm, and assist components")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := time.Duration(deps.Config.App.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Gateway{
		cfg:            deps.Config,
		store:          deps.Store,
		nlu:            deps.NLU,
		crm:            deps.CRM,
		assist:         deps.Assist,
		generator:      deps.Generator,
		telephony:      deps.Telephony,
		storage:        deps.Storage,
		archiver:       deps.Archiver,
		audit:          deps.Audit,
		logger:         logger.With("component", "gateway"),
		limiters:       newCallerLimiters(deps.Config.Gateway.Rate.RPS, deps.Config.Gateway.Rate.Burst),
		requestTimeout: timeout,
	}, nil
}

// Handler assembles the route mux and middleware chain.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)

	mux.HandleFunc("/api/v1/conversations/detect-intent", g.handleDetectIntent)
	mux.HandleFunc("/api/v1/conversations/", g.handleConversationByID)
	mux.HandleFunc("/api/v1/agent-assist", g.handleAgentAssist)
	mux.HandleFunc("/api/v1/metrics", g.handleMetrics)

	mux.HandleFunc("/webhooks/telephony", g.handleTelephonyWebhook)
	mux.HandleFunc("/webhooks/nlu/", g.handleFulfillment)

	mux.HandleFunc("/", g.handleNotFound)

	return g.securityHeadersMiddleware(
		g.corsMiddleware(
			g.requestIDMiddleware(
				g.rateLimitMiddleware(
					g.authMiddleware(
						g.recoverMiddleware(mux))))))
}

// Start begins serving. Non-blocking; errors from the listener are logged.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:              g.cfg.Gateway.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.warnOpenListener()

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.cfg.Gateway.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// warnOpenListener logs startup warnings for configurations that expose the
// API: no auth token on a non-loopback bind, and webhooks accepted without a
// signature secret.
func (g *Gateway) warnOpenListener() {
	if g.cfg.Gateway.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Gateway.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		if !isLoopback && host != "localhost" {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address — anyone on the network can access the API",
				"address", g.cfg.Gateway.Address)
		}
	}
	if g.cfg.Telephony.WebhookSecret == "" {
		g.logger.Warn("webhook secret not configured, signature validation is skipped")
	}
}
