// Command trellisd runs the account layer over an in-memory store replica
// and exposes a small JSON API plus prometheus metrics. It exists to
// exercise the full signup/login/resolve path end to end; a production host
// swaps the in-memory store for a real replicated backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trellis/internal/account"
	"trellis/internal/config"
	"trellis/internal/platform/metrics"
	"trellis/internal/platform/privacylog"
	"trellis/internal/platform/ratelimiter"
	"trellis/internal/resolver"
	"trellis/internal/store/memstore"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	listen := flag.String("listen", "", "listen address override")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Load(*configPath)
	if *listen != "" {
		cfg.Listen = *listen
	}

	registry := prometheus.NewRegistry()
	metricSet := metrics.New(registry)

	st := memstore.New(memstore.WithLag(cfg.Store.PropagationLag))
	creds := memstore.NewCredentials()
	res := resolver.New(st, log, metricSet, resolver.Timeouts{
		FrozenScan:   cfg.Resolver.FrozenScanTimeout,
		DirectKey:    cfg.Resolver.DirectKeyTimeout,
		AlternateKey: cfg.Resolver.AlternateKeyTimeout,
		KeyScan:      cfg.Resolver.KeyScanTimeout,
		Hard:         cfg.Resolver.HardDeadline,
	})
	limiter := ratelimiter.NewAttemptLimiter(nil, map[string]ratelimiter.Policy{
		"login":  {MaxAttempts: cfg.Account.LoginMaxAttempts, Cooldown: cfg.Account.LoginCooldown},
		"signup": {MaxAttempts: cfg.Account.SignupMaxAttempts, Cooldown: cfg.Account.SignupCooldown},
	})
	sessions := account.NewSessionStore(cfg.Session.Dir, cfg.Session.Secret)
	svc := account.New(st, creds, res, limiter, sessions, metricSet, log, account.Config{
		PasswordPolicy: account.PasswordPolicy{
			MinLength:  cfg.Account.PasswordMinLength,
			MinClasses: cfg.Account.PasswordMinClasses,
		},
		PostAuthTimeout:  cfg.Account.PostAuthTimeout,
		PropagationDelay: cfg.Account.PropagationDelay,
		SessionTTL:       cfg.Session.TTL,
	})
	throttle := ratelimiter.NewThrottle(cfg.Throttle.RPS, cfg.Throttle.Burst, cfg.Throttle.IdleTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if restored, err := svc.Restore(ctx); err != nil {
		log.Warn("session restore failed", "error", err)
	} else if restored != nil {
		log.Info("session restored", "username", restored.Username)
	}

	handler := newHandler(svc, res, throttle, log)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/signup", handler.signup)
	mux.HandleFunc("POST /v1/login", handler.login)
	mux.HandleFunc("POST /v1/logout", handler.logout)
	mux.HandleFunc("GET /v1/resolve", handler.resolve)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("trellisd starting", "listen", cfg.Listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("trellisd failed", "error", err)
		os.Exit(1)
	}
	log.Info("trellisd stopped")
}

type handler struct {
	svc      *account.Service
	resolver *resolver.Resolver
	throttle *ratelimiter.Throttle
	log      *slog.Logger
}

func newHandler(svc *account.Service, res *resolver.Resolver, throttle *ratelimiter.Throttle, log *slog.Logger) *handler {
	return &handler{svc: svc, resolver: res, throttle: throttle, log: log}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *handler) signup(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "request body must be JSON")
		return
	}
	result, err := h.svc.SignUp(r.Context(), req.Username, req.Password, nil)
	if err != nil {
		h.writeAccountError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "request body must be JSON")
		return
	}
	result, err := h.svc.Login(r.Context(), req.Username, req.Password, nil)
	if err != nil {
		h.writeAccountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(); err != nil {
		h.log.Warn("logout cleanup failed", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	username := r.URL.Query().Get("username")
	binding, err := h.resolver.Resolve(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "resolve aborted")
		return
	}
	if binding == nil {
		writeError(w, http.StatusNotFound, "not_found", "no binding for username")
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (h *handler) allow(w http.ResponseWriter, r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !h.throttle.Allow(host, time.Now()) {
		writeError(w, http.StatusTooManyRequests, "throttled", "too many requests")
		return false
	}
	return true
}

func (h *handler) writeAccountError(w http.ResponseWriter, err error) {
	var typed *account.Error
	if !errors.As(err, &typed) {
		writeError(w, http.StatusInternalServerError, "internal", "operation failed")
		return
	}
	status := http.StatusInternalServerError
	switch typed.Kind {
	case account.KindValidation, account.KindEntropy:
		status = http.StatusBadRequest
	case account.KindRateLimit:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(typed.RetryAfter.Seconds())))
	case account.KindDuplicateUsername:
		status = http.StatusConflict
	case account.KindAuthentication:
		status = http.StatusUnauthorized
	case account.KindStoreTimeout:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, typed.Kind, typed.Message)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"kind": kind, "message": message},
	})
}
