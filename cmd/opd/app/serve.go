package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aegisid/op/pkg/authserver/orchestrator"
	"github.com/aegisid/op/pkg/authserver/server/keys"
	"github.com/aegisid/op/pkg/authserver/storage"
	"github.com/aegisid/op/pkg/consent"
	"github.com/aegisid/op/pkg/events"
	"github.com/aegisid/op/pkg/logger"
	"github.com/aegisid/op/pkg/notify"
	"github.com/aegisid/op/pkg/policy"
	"github.com/aegisid/op/pkg/ratelimit"
	"github.com/aegisid/op/pkg/token"
	"github.com/aegisid/op/pkg/users"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every configured tenant's authorization server in one process",
		RunE:  runServe,
	}
	cmd.Flags().String("listen-addr", "", "override the config file's listen_addr")
	if err := viper.BindPFlag("listen_addr_override", cmd.Flags().Lookup("listen-addr")); err != nil {
		logger.Errorw("failed to bind listen-addr flag", "error", err)
	}
	return cmd
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := readConfigFile(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	fc, err := loadFileConfig()
	if err != nil {
		return err
	}
	if override := viper.GetString("listen_addr_override"); override != "" {
		fc.ListenAddr = override
	}

	policySource, err := os.ReadFile(fc.PolicyFile)
	if err != nil {
		return fmt.Errorf("reading policy file %s: %w", fc.PolicyFile, err)
	}
	resolver, err := policy.NewResolver(string(policySource), fc.policyHMACSecret())
	if err != nil {
		return fmt.Errorf("compiling policy set: %w", err)
	}

	keyStore := keys.NewStore(fc.keyManagerSecret(), fc.KeyAlgorithm)
	if _, err := keyStore.Rotate(fc.keyManagerSecret(), keys.ReasonScheduled); err != nil {
		return fmt.Errorf("seeding initial signing key: %w", err)
	}

	notifier, err := buildNotifier(fc.Notify)
	if err != nil {
		return fmt.Errorf("building notify adapter: %w", err)
	}

	deps := orchestrator.Deps{
		Resolver:      resolver,
		KeyStore:      keyStore,
		KeySecret:     fc.keyManagerSecret(),
		Tokens:        nil, // set per-issuer below
		Codes:         storage.NewCodeStore(),
		PARs:          storage.NewPARStore(),
		Challenges:    storage.NewChallengeStore(),
		Sessions:      storage.NewSessionStore(),
		RefreshTokens: storage.NewRefreshTokenStore(),
		Consent:       consent.New(storage.NewConsentStore()),
		Limiter:       ratelimit.New(ratelimit.DefaultPolicies()),
		Events:        events.New(),
		Users:         users.NewStore(),
		CIBARequests:  storage.NewCIBARequestStore(),
		DeviceGrants:  storage.NewDeviceGrantStore(),
		Notifier:      notifier,
		WebAuthn:      fc.passwordlessConfig(),
		BlindSecret:   fc.blindIndexSecret(),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Logger)

	for _, tc := range fc.Tenants {
		cfg := tc.serverConfig()
		deps.Tokens = token.NewIssuer(keyStore, fc.keyManagerSecret(), cfg.Issuer)

		orc, err := orchestrator.New(cfg, deps)
		if err != nil {
			return fmt.Errorf("constructing orchestrator for tenant %s: %w", cfg.Tenant.TenantID, err)
		}

		prefix := mountPrefix(cfg.Issuer)
		routesPattern := prefix
		if routesPattern == "" {
			routesPattern = "/"
		}
		logger.Infow("mounting tenant", "tenant_id", cfg.Tenant.TenantID, "issuer", cfg.Issuer, "prefix", prefix)
		router.Mount(prefix+"/.well-known", orc.WellKnown())
		router.Mount(prefix+"/interact", orc.InteractionRoutes())
		router.Mount(routesPattern, orc.Routes())
	}

	router.Route("/admin", func(r chi.Router) {
		r.Post("/keys/rotate", adminRotateHandler(keyStore))
	})

	scheduler := cron.New()
	sweepSchedule := "@every 1h"
	if fc.SweepInterval > 0 {
		sweepSchedule = fmt.Sprintf("@every %s", fc.SweepInterval)
	}
	if _, err := scheduler.AddFunc(sweepSchedule, func() { keyStore.Sweep(time.Now()) }); err != nil {
		return fmt.Errorf("scheduling key sweep: %w", err)
	}
	if fc.RotationInterval > 0 {
		rotationSchedule := fmt.Sprintf("@every %s", fc.RotationInterval)
		if _, err := scheduler.AddFunc(rotationSchedule, func() {
			if _, err := keyStore.Rotate(fc.keyManagerSecret(), keys.ReasonScheduled); err != nil {
				logger.Errorw("scheduled key rotation failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("scheduling key rotation: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fc.ListenAddr,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infow("server listening", "addr", fc.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("server exited", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorw("forced shutdown", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// mountPrefix derives the router prefix a tenant's endpoints are mounted
// under from its issuer URL's path component, so the issuer identifier in
// every minted token's "iss" claim matches the path discovery is served
// from (OIDC Discovery §2's "Issuer" requirement).
func mountPrefix(issuer string) string {
	u, err := url.Parse(issuer)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}

func buildNotifier(cfg notifyConfig) (notify.Adapter, error) {
	switch cfg.Adapter {
	case "ses":
		return notify.NewSESAdapter(context.Background(), cfg.SESFrom)
	case "slack":
		return notify.NewSlackAdapter(os.Getenv(cfg.SlackTokenEnv)), nil
	default:
		return noopNotifier{}, nil
	}
}

// noopNotifier satisfies notify.Adapter for deployments that configure no
// out-of-band delivery channel; CIBA/device/passwordless flows still work,
// they simply have nothing to push to the end user.
type noopNotifier struct{}

func (noopNotifier) Send(context.Context, notify.Message) error { return nil }

// adminRotateHandler exposes keys.Store.Rotate over HTTP so the keys
// rotate CLI command can trigger rotation on a running server without
// sharing its in-memory Store.
func adminRotateHandler(store *keys.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			http.Error(w, "missing bearer secret", http.StatusUnauthorized)
			return
		}
		bearer := []byte(strings.TrimPrefix(authz, prefix))
		reason := keys.ReasonScheduled
		if r.URL.Query().Get("reason") == "emergency" {
			reason = keys.ReasonEmergency
		}
		kid, err := store.Rotate(bearer, reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"kid":%q}`, kid)
	}
}
