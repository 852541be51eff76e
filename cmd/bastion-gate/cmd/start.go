package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	gatehttp "github.com/hyperpolymath/indieweb2-bastion/internal/adapter/inbound/http"
	"github.com/hyperpolymath/indieweb2-bastion/internal/adapter/outbound/auditfile"
	"github.com/hyperpolymath/indieweb2-bastion/internal/adapter/outbound/memory"
	"github.com/hyperpolymath/indieweb2-bastion/internal/adapter/outbound/sqlite"
	"github.com/hyperpolymath/indieweb2-bastion/internal/adapter/outbound/webhook"
	"github.com/hyperpolymath/indieweb2-bastion/internal/config"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/audit"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/executor"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/identity"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/proposal"
	"github.com/hyperpolymath/indieweb2-bastion/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gate server",
	Long: `Start the governance gate: load and validate the policy document,
open the proposal store, recover interrupted executions, and serve the
HTTP surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	// Signal context for graceful shutdown. stop() restores default
	// signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("bastion-gate stopped")
	return nil
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.GateConfig, logger *slog.Logger) error {
	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing()
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer shutdown()
	}

	// Audit sinks: the in-memory ring always, the durable file sink when
	// a directory is configured. The file sink is listed first so its
	// resume state wins and the write-ahead append hits disk first.
	memSink := memory.NewAuditSink(cfg.Audit.CacheSize)
	sinks := []audit.Sink{}
	if cfg.Audit.Dir != "" {
		fileSink, err := auditfile.NewFileSink(auditfile.Config{
			Dir:           cfg.Audit.Dir,
			RetentionDays: cfg.Audit.RetentionDays,
			MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
		}, logger)
		if err != nil {
			return fmt.Errorf("open audit sink: %w", err)
		}
		sinks = append(sinks, fileSink)
	}
	sinks = append(sinks, memSink)

	auditLog := service.NewAuditLog(logger, sinks...)
	defer func() { _ = auditLog.Close() }()

	// Policy: a missing or invalid document installs the development
	// snapshot; the gate still starts but admits nothing.
	policies, err := service.NewPolicyService(ctx, cfg.Policy.Path, auditLog, logger)
	if err != nil {
		return err
	}

	// Proposal store.
	var store proposal.Store
	switch cfg.Store.Backend {
	case "sqlite":
		store, err = sqlite.NewProposalStore(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
	default:
		store = memory.NewProposalStore()
	}
	defer func() { _ = store.Close() }()

	// Rate limiter with background cleanup.
	limiter := memory.NewRateLimiter(logger)
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	// Executor: webhook endpoint, or a log-only executor in development.
	var exec executor.Executor
	if cfg.Executor.URL != "" {
		exec = webhook.NewExecutor(cfg.Executor.URL,
			time.Duration(cfg.Executor.TimeoutSeconds)*time.Second)
	} else {
		logger.Warn("no executor configured, mutations will be logged and dropped")
		exec = executor.Func(func(_ context.Context, req executor.Request) (executor.Result, error) {
			logger.Info("log-only executor invoked",
				"proposal_id", req.ProposalID, "mutation", req.Mutation)
			return executor.Result{Detail: "log-only"}, nil
		})
	}

	consents := memory.NewConsentStore()

	admission := service.NewAdmissionService(policies, limiter, store, consents, auditLog, logger)

	var opts []service.ProposalServiceOption
	if cfg.Proposal.TTLHours > 0 {
		opts = append(opts, service.WithProposalTTL(
			time.Duration(cfg.Proposal.TTLHours)*time.Hour))
	}
	proposals := service.NewProposalService(store, policies, exec, auditLog, logger, opts...)
	defer proposals.Stop()

	// Re-drive proposals stranded in EXECUTING by a previous crash.
	if err := proposals.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// SIGHUP hot-reloads the policy document. A rejected reload keeps the
	// prior snapshot active.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := policies.Reload(ctx); err != nil {
					logger.Error("policy reload failed", "error", err)
				}
			}
		}
	}()
	proposals.StartJanitor(ctx,
		time.Duration(cfg.Proposal.JanitorIntervalMinutes)*time.Minute)

	var resolver identity.Resolver
	if len(cfg.Auth.APIKeys) > 0 {
		creds := make([]memory.Credential, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			creds = append(creds, memory.Credential{
				Principal: identity.Principal(k.Principal),
				Hash:      k.Hash,
			})
		}
		resolver = memory.NewAuthStore(creds)
	}

	server := gatehttp.NewServer(admission, proposals, policies, auditLog,
		memSink, resolver, service.NewClockHealth(), logger)
	server.SetRateLimitSizer(limiter.Size)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gate listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// setupTracing installs the stdout trace exporter and returns a shutdown
// function.
func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
