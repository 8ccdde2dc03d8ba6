package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chriss-de/doorman/v2"
	"github.com/chriss-de/doorman/v2/authz"
)

var listen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long:  `Start the HTTP server answering forward-auth, login and logout requests`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&listen, "listen", "", "address to listen on, overrides the config file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if listen != "" {
		cfg.Listen = listen
	}

	zl, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := zapLogger{s: zl.Sugar()}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gw, err := newGateway(cfg, logger, registry)
	if err != nil {
		return err
	}
	defer func() { _ = gw.dm.Close() }()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw.routes(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		zl.Info("doormand started", zap.String("listen", cfg.Listen), zap.Strings("policies", gw.svc.Policies().PolicyNames()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	zl.Info("doormand stopping")
	return srv.Shutdown(shutdownCtx)
}

type gateway struct {
	dm     *doorman.Doorman
	svc    *authz.Service
	logger doorman.Logger
}

func newGateway(cfg *Config, logger doorman.Logger, registry prometheus.Registerer) (*gateway, error) {
	opts, err := cfg.doormanOptions(logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, doorman.WithMetrics(registry))
	dm, err := doorman.NewDoorman(opts...)
	if err != nil {
		return nil, fmt.Errorf("doorman: %w", err)
	}

	pp := authz.NewPolicyProvider()
	if cfg.PoliciesFile != "" {
		if err = pp.LoadPolicyFile(cfg.PoliciesFile); err != nil {
			return nil, errors.Join(err, dm.Close())
		}
	}
	svc, err := authz.NewService(
		authz.WithPolicyProvider(pp),
		authz.WithLogger(logger),
		authz.WithMetrics(registry),
	)
	if err != nil {
		return nil, errors.Join(err, dm.Close())
	}
	return &gateway{dm: dm, svc: svc, logger: logger}, nil
}

// routes mounts the endpoints. Every route but /healthz and /metrics runs behind the
// doorman middleware, so remote callbacks (e.g. /signin-oauth) are served as well.
func (gw *gateway) routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics)

	r.Group(func(r chi.Router) {
		r.Use(gw.dm.Middleware())
		r.Get("/auth", gw.forwardAuth)
		r.Get("/auth/{policy}", gw.forwardAuth)
		r.Get("/whoami", gw.whoami)
		r.Get("/login/{scheme}", gw.login)
		r.Post("/logout/{scheme}", gw.logout)
		// anything else reaches the middleware's request handlers or is not found
		r.NotFound(http.NotFound)
	})
	return r
}

// forwardAuth answers 200 when the request user satisfies the policy named in the
// path (the default policy without one). The user is echoed in X-Auth-* headers.
func (gw *gateway) forwardAuth(w http.ResponseWriter, r *http.Request) {
	authz.RequirePolicy(gw.dm, gw.svc, chi.URLParam(r, "policy"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, err := doorman.FromRequest(r)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		user := rc.User()
		w.Header().Set("X-Auth-User", user.Name())
		if id := user.Identity(); id != nil {
			w.Header().Set("X-Auth-Scheme", id.AuthenticationType)
		}
		var roles []string
		for _, c := range user.FindAll(doorman.ClaimTypeRole) {
			roles = append(roles, c.Value)
		}
		if len(roles) > 0 {
			w.Header().Set("X-Auth-Roles", strings.Join(roles, ","))
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(w, r)
}

type whoamiResponse struct {
	Authenticated bool                `json:"authenticated"`
	Name          string              `json:"name,omitempty"`
	Identities    []*doorman.Identity `json:"identities"`
}

func (gw *gateway) whoami(w http.ResponseWriter, r *http.Request) {
	rc, err := doorman.FromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	user := rc.User()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(whoamiResponse{
		Authenticated: user.IsAuthenticated(),
		Name:          user.Name(),
		Identities:    user.Identities,
	})
}

// login challenges the scheme, e.g. redirects to an OAuth provider. return_url must
// be local.
func (gw *gateway) login(w http.ResponseWriter, r *http.Request) {
	gw.schemeAction(w, r, func(ctx context.Context, rc *doorman.RequestContext, scheme string, props *doorman.Properties) error {
		return rc.Challenge(ctx, scheme, props)
	})
}

func (gw *gateway) logout(w http.ResponseWriter, r *http.Request) {
	gw.schemeAction(w, r, func(ctx context.Context, rc *doorman.RequestContext, scheme string, props *doorman.Properties) error {
		if err := rc.SignOut(ctx, scheme, props); err != nil {
			return err
		}
		if props.RedirectURI() == "" {
			rc.SetStatus(http.StatusNoContent)
		}
		return nil
	})
}

func (gw *gateway) schemeAction(w http.ResponseWriter, r *http.Request, action func(context.Context, *doorman.RequestContext, string, *doorman.Properties) error) {
	rc, err := doorman.FromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	props := doorman.NewProperties()
	if returnURL := r.URL.Query().Get("return_url"); returnURL != "" {
		if !doorman.IsLocalURL(returnURL) {
			http.Error(w, "return_url must be a local URL", http.StatusBadRequest)
			return
		}
		props.SetRedirectURI(returnURL)
	}

	scheme := chi.URLParam(r, "scheme")
	err = action(r.Context(), rc, scheme, props)
	switch {
	case err == nil:
	case errors.Is(err, doorman.ErrMissingHandler):
		http.NotFound(w, r)
	case errors.Is(err, doorman.ErrUnsupportedOperation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		gw.logger.Error("scheme action failed", "scheme", scheme, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
