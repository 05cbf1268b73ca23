// Package main provides the entry point for the governed retrieval gateway.
// The gateway answers natural-language queries with document fragments the
// caller is authorized to see: label-aware pre-filtering, per-fragment policy
// evaluation, classification-aware redaction, and a hash-chained audit ledger.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/infiligence/governed-rag/internal/api"
	"github.com/infiligence/governed-rag/internal/audit"
	"github.com/infiligence/governed-rag/internal/auth"
	"github.com/infiligence/governed-rag/internal/config"
	"github.com/infiligence/governed-rag/internal/embedding"
	"github.com/infiligence/governed-rag/internal/models"
	"github.com/infiligence/governed-rag/internal/policy"
	"github.com/infiligence/governed-rag/internal/redact"
	"github.com/infiligence/governed-rag/internal/repository"
	"github.com/infiligence/governed-rag/internal/repository/memory"
	"github.com/infiligence/governed-rag/internal/repository/postgres"
	"github.com/infiligence/governed-rag/internal/retriever"
	"github.com/infiligence/governed-rag/internal/session"
	"github.com/infiligence/governed-rag/internal/telemetry"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "governedrag",
		Short: "Governed Retrieval Gateway",
		Long: `The governed retrieval gateway returns document fragments a subject is
authorized to see under a declarative policy, with sensitive sub-strings
masked and every access decision recorded in a tamper-evident ledger.

Features:
  • Label-aware vector pre-filtering with tenant isolation
  • Per-fragment policy evaluation (embedded OPA or remote PDP)
  • Classification-aware redaction of PII and PHI
  • Hash-chained, append-only audit ledger per subject
  • Step-up second-factor gating for sensitive labels`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway API server",
		RunE:  runServer,
	}
	serveCmd.Flags().StringP("config", "c", "", "Path to configuration file")
	serveCmd.Flags().StringP("port", "p", "", "Port to listen on")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")

	verifyCmd := &cobra.Command{
		Use:   "verify-audit [actor]",
		Short: "Verify an actor's audit hash chain",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerifyAudit,
	}
	verifyCmd.Flags().StringP("config", "c", "", "Path to configuration file")

	redactCmd := &cobra.Command{
		Use:   "redact [label]",
		Short: "Redact stdin under the given classification label",
		Args:  cobra.ExactArgs(1),
		RunE:  runRedact,
	}

	rootCmd.AddCommand(serveCmd, verifyCmd, redactCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	configureLogging(debug)

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Server.Port = port
	}

	log.Info().
		Str("version", version).
		Str("port", cfg.Server.Port).
		Str("tenant", cfg.Tenant).
		Msg("Starting governed retrieval gateway")

	ctx := context.Background()

	// Redaction catalog fails closed: a malformed pattern refuses startup.
	redactor, err := redact.New(redact.DefaultCatalog())
	if err != nil {
		return fmt.Errorf("loading redaction catalog: %w", err)
	}

	embedder, err := embedding.NewHashingProvider(cfg.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}

	// Store: PostgreSQL when configured, seeded in-memory otherwise.
	var store repository.Store
	if cfg.StoreURL != "" {
		db, err := postgres.New(ctx, cfg.StoreURL, 25)
		if err != nil {
			return fmt.Errorf("connecting to store: %w", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx, cfg.EmbeddingDim); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
		store = db
	} else {
		log.Info().Msg("No store_url configured, using seeded in-memory store")
		mem := memory.New()
		if err := memory.Seed(ctx, mem, cfg.Tenant, func(text string) []float32 {
			vec, _ := embedder.Embed(ctx, text)
			return vec
		}); err != nil {
			return fmt.Errorf("seeding store: %w", err)
		}
		store = mem
	}

	// Policy backend: remote PDP when configured, embedded OPA otherwise.
	var policyClient policy.Client
	if cfg.PolicyEngineURL != "" {
		policyClient = policy.NewHTTPClient(cfg.PolicyEngineURL, cfg.PolicyTimeout())
		log.Info().Str("url", cfg.PolicyEngineURL).Msg("Using remote policy engine")
	} else {
		opaClient, err := policy.NewOPAClient(ctx)
		if err != nil {
			return fmt.Errorf("initializing embedded policy engine: %w", err)
		}
		policyClient = opaClient
		log.Info().Msg("Using embedded policy engine")
	}
	adapter := policy.NewAdapter(policyClient, cfg.PolicyTimeout())

	// Session store: Redis when configured, in-memory otherwise.
	var sessions session.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connecting to session cache: %w", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		memStore := session.NewMemoryStore()
		defer memStore.Stop()
		sessions = memStore
	}

	tokens, err := auth.NewTokenManager(cfg.TokenSigningKey, time.Duration(cfg.Server.TokenTTL)*time.Second)
	if err != nil {
		return fmt.Errorf("initializing token manager: %w", err)
	}

	var tel *telemetry.Provider
	if cfg.OTEL.Enabled {
		tel, err = telemetry.NewProvider(telemetry.Config{
			ServiceName:    cfg.OTEL.ServiceName,
			ServiceVersion: version,
			OTLPEndpoint:   cfg.OTEL.Endpoint,
			Insecure:       cfg.OTEL.Insecure,
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("telemetry shutdown error")
			}
		}()
	}

	deps := &api.RouterDeps{
		Store:     store,
		Tokens:    tokens,
		Sessions:  sessions,
		Retriever: retriever.New(store, embedder, adapter),
		Policy:    adapter,
		Redactor:  redactor,
		Ledger:    audit.NewLedger(store),
		Telemetry: tel,
	}

	router := api.NewRouter(cfg, deps)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		if deps.StopRateLimiter != nil {
			deps.StopRateLimiter()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

func runVerifyAudit(cmd *cobra.Command, args []string) error {
	configureLogging(false)

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.StoreURL == "" {
		return fmt.Errorf("verify-audit requires store_url")
	}

	ctx := context.Background()
	db, err := postgres.New(ctx, cfg.StoreURL, 2)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer db.Close()

	ledger := audit.NewLedger(db)
	result, err := ledger.Verify(ctx, args[0])
	if err != nil {
		return fmt.Errorf("verifying chain: %w", err)
	}

	if result.Valid {
		fmt.Printf("chain for %s: valid\n", args[0])
		return nil
	}
	fmt.Printf("chain for %s: INVALID\n", args[0])
	for _, id := range result.FailedHashes {
		fmt.Printf("  failed hash: %s\n", id)
	}
	for _, id := range result.BrokenLinks {
		fmt.Printf("  broken link: %s\n", id)
	}
	return fmt.Errorf("audit chain verification failed")
}

func runRedact(cmd *cobra.Command, args []string) error {
	label := models.Label(args[0])
	if !label.Valid() {
		return fmt.Errorf("unknown label %q", args[0])
	}

	redactor, err := redact.New(redact.DefaultCatalog())
	if err != nil {
		return fmt.Errorf("loading redaction catalog: %w", err)
	}

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	result := redactor.Redact(string(input), label)
	fmt.Print(result.Text)
	return nil
}

func configureLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
