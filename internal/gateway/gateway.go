// ABOUTME: Gateway orchestrator that wires the identity and trust components behind one HTTP server
// ABOUTME: Manages the server lifecycle, the background sweeper, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/agentgate/internal/auth"
	"github.com/2389/agentgate/internal/config"
	"github.com/2389/agentgate/internal/detect"
	"github.com/2389/agentgate/internal/guard"
	"github.com/2389/agentgate/internal/notify"
	"github.com/2389/agentgate/internal/ratelimit"
	"github.com/2389/agentgate/internal/reputation"
	"github.com/2389/agentgate/internal/spending"
	"github.com/2389/agentgate/internal/store"
)

// ScopePayments is the scope a caller needs to record spend.
const ScopePayments = "payments.send"

// Gateway owns the agentgate server components.
type Gateway struct {
	config     *config.Config
	store      *store.MemoryStore
	auth       *auth.Service
	guard      *guard.Guard
	limiter    *ratelimit.Limiter // per agent
	ipLimiter  *ratelimit.Limiter // per client IP and route, before authentication
	regPolicy  ratelimit.Policy
	preAuth    ratelimit.Policy
	spending   *spending.Tracker

	// credits bounds how often a self-reported spend earns payment_success.
	// Nil when the credit is disabled.
	credits      *ratelimit.Limiter
	creditPolicy ratelimit.Policy

	classifier *detect.Classifier
	dispatcher *notify.Dispatcher
	sweeper    *guard.Sweeper
	httpServer *http.Server
	logger     *slog.Logger

	// annotate classifies every request and adds detection headers
	annotate bool
}

// New builds every component from cfg. The config is expected to have
// passed Validate, as config.Load guarantees.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaultPolicy, err := cfg.RateLimits.Default.Policy()
	if err != nil {
		return nil, fmt.Errorf("default rate limit: %w", err)
	}
	regPolicy, err := cfg.RateLimits.Registration.Policy()
	if err != nil {
		return nil, fmt.Errorf("registration rate limit: %w", err)
	}
	preAuth, err := cfg.RateLimits.PreAuth.Policy()
	if err != nil {
		return nil, fmt.Errorf("pre-auth rate limit: %w", err)
	}

	repCfg, err := cfg.BuildReputation()
	if err != nil {
		return nil, fmt.Errorf("reputation: %w", err)
	}
	rep, err := reputation.NewManager(repCfg)
	if err != nil {
		return nil, fmt.Errorf("creating reputation manager: %w", err)
	}

	rules, err := cfg.BuildSpendingRules()
	if err != nil {
		return nil, fmt.Errorf("spending: %w", err)
	}
	tracker, err := spending.NewTracker(rules)
	if err != nil {
		return nil, fmt.Errorf("creating spending tracker: %w", err)
	}

	detCfg, err := cfg.BuildDetection()
	if err != nil {
		return nil, fmt.Errorf("detection: %w", err)
	}
	classifier, err := detect.NewClassifier(detCfg)
	if err != nil {
		return nil, fmt.Errorf("creating classifier: %w", err)
	}

	tokens, err := auth.NewJWTIssuer([]byte(cfg.Auth.JWTSecret), cfg.Protocol)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}

	dispatcher := notify.NewDispatcher(logger, 0)
	dispatcher.Subscribe(notify.LogObserver(logger))

	identities := store.NewMemoryStore()
	locks := &store.AgentLocks{}

	authService, err := auth.NewService(auth.Config{
		Store:             identities,
		Tokens:            tokens,
		Dispatcher:        dispatcher,
		Locks:             locks,
		Logger:            logger,
		Protocol:          cfg.Protocol,
		ChallengeTTL:      cfg.Auth.ChallengeTTL,
		TokenTTL:          cfg.Auth.TokenTTL,
		ReauthSkew:        cfg.Auth.ReauthSkew,
		VerifyTimeout:     cfg.Auth.VerifyTimeout,
		Scopes:            cfg.BuildScopes(),
		DefaultScopes:     cfg.Scopes.Defaults,
		DefaultRateLimit:  cfg.RateLimits.Default.StorePolicy(),
		RegistrationLimit: cfg.RateLimits.Registration.StorePolicy(),
		InitialReputation: rep.Initial(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating auth service: %w", err)
	}

	limiter := ratelimit.New()
	g, err := guard.New(guard.Config{
		Store:         identities,
		Limiter:       limiter,
		Reputation:    rep,
		Spending:      tracker,
		Locks:         locks,
		Dispatcher:    dispatcher,
		Logger:        logger,
		DefaultPolicy: defaultPolicy,
	})
	if err != nil {
		authService.Close()
		return nil, fmt.Errorf("creating guard: %w", err)
	}

	ipLimiter := ratelimit.New()
	limiters := []*ratelimit.Limiter{limiter, ipLimiter}

	var credits *ratelimit.Limiter
	creditPolicy := ratelimit.Policy{Capacity: 1, Window: cfg.Reputation.PaymentCreditInterval}
	if creditPolicy.Window > 0 {
		credits = ratelimit.New()
		limiters = append(limiters, credits)
	}

	gw := &Gateway{
		config:     cfg,
		store:      identities,
		auth:       authService,
		guard:      g,
		limiter:    limiter,
		ipLimiter:  ipLimiter,
		regPolicy:  regPolicy,
		preAuth:    preAuth,
		spending:   tracker,

		credits:      credits,
		creditPolicy: creditPolicy,

		classifier: classifier,
		dispatcher: dispatcher,
		sweeper: guard.NewSweeper(guard.SweeperConfig{
			Limiters:   limiters,
			Spending:   tracker,
			Challenges: identities,
			Interval:   cfg.Sweep.Interval,
			Logger:     logger,
		}),
		logger:   logger.With("component", "gateway"),
		annotate: cfg.Detection.Enabled,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and the sweeper and blocks until ctx is
// canceled or the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr, "protocol", g.config.Protocol)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		g.sweeper.Run(sweepCtx)
	}()

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopSweep()
	<-sweepDone

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, waits for in-flight observers and
// releases the identity service.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "observers", g.dispatcher.Wait(ctx))

	g.auth.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK with the number of registered agents.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": g.store.CountAgents(),
	})
}
