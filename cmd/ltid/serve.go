package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mind-engage/mindengage-lti/internal/api"
	"github.com/mind-engage/mindengage-lti/internal/appsession"
	"github.com/mind-engage/mindengage-lti/internal/audit"
	"github.com/mind-engage/mindengage-lti/internal/config"
	"github.com/mind-engage/mindengage-lti/internal/lti"
	"github.com/mind-engage/mindengage-lti/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the LTI launch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		registry := lti.NewSQLRegistry(db)
		if cfg.DeploymentsFile != "" {
			ds, err := lti.ImportDeployments(ctx, registry, cfg.DeploymentsFile)
			if err != nil {
				return fmt.Errorf("importing deployments: %w", err)
			}
			log.Info().Int("count", len(ds)).Str("file", cfg.DeploymentsFile).Msg("deployments imported")
		}

		launches, closeLaunches, err := buildLaunchStore(ctx, db)
		if err != nil {
			return err
		}
		defer closeLaunches()

		auditor, err := buildAuditor(db)
		if err != nil {
			return err
		}
		defer auditor.Close()

		keys, err := loadToolKeys(true)
		if err != nil {
			return err
		}

		jwksCache := lti.NewJWKSCache(lti.JWKSCacheOptions{
			TTL:            cfg.JWKSCacheTTL,
			FetchTimeout:   cfg.JWKSFetchTimeout,
			FailureBackoff: cfg.JWKSFailureBackoff,
			MinRefresh:     cfg.JWKSMinRefresh,
		})

		svc := &lti.Service{
			Registry:    registry,
			Launches:    launches,
			Validator:   lti.NewValidator(jwksCache, cfg.ClockSkew),
			Binder:      lti.NewBinder(db, appsession.New(db, cfg.AppSessionTTL)),
			Audit:       auditor,
			RedirectURI: cfg.LTIRedirectURI,
			SuccessURL:  cfg.AppSuccessURL,
		}

		if r, ok := launches.(lti.Reaper); ok {
			go lti.RunReaper(log.Logger.WithContext(ctx), r, cfg.ReapInterval)
		}

		server := &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: api.NewRouter(api.Deps{
				Service:     svc,
				Keys:        keys,
				DB:          db,
				CORSOrigins: cfg.CORSOrigins,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Str("db", cfg.DBDriver).
				Str("launch_store", string(cfg.LaunchStore)).Str("tool_kid", keys.KID()).
				Msg("starting server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server crashed: %w", err)
			}
		case <-ctx.Done():
		}
		log.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		log.Info().Msg("server exited")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "address to listen on")
	_ = viper.BindPFlag("HTTP_ADDR", serveCmd.Flags().Lookup("addr"))
}

func openDB(ctx context.Context) (*storage.DB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := storage.Connect(connectCtx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("db open failed: %w", err)
	}
	if err := storage.Up(connectCtx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func buildLaunchStore(ctx context.Context, db *storage.DB) (lti.LaunchStore, func(), error) {
	switch cfg.LaunchStore {
	case config.LaunchStoreRedis:
		s, err := lti.DialRedisLaunchStore(ctx, cfg.RedisURL, cfg.LaunchTTL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.LaunchStoreMemory:
		log.Warn().Msg("in-memory launch store: logins and launches must hit the same instance; do not run more than one")
		return lti.NewMemoryLaunchStore(cfg.LaunchTTL), func() {}, nil
	default:
		return lti.NewSQLLaunchStore(db, cfg.LaunchTTL), func() {}, nil
	}
}

func buildAuditor(db *storage.DB) (audit.Auditor, error) {
	auditors := audit.Multi{audit.NewLogAuditor()}
	if cfg.AuditSQL {
		auditors = append(auditors, audit.NewSQLAuditor(db))
	}
	if cfg.AuditAMQPURL != "" {
		a, err := audit.DialAMQPAuditor(cfg.AuditAMQPURL, cfg.AuditAMQPExchange)
		if err != nil {
			return nil, err
		}
		auditors = append(auditors, a)
	}
	return auditors, nil
}

func loadToolKeys(allowGenerate bool) (*lti.ToolKeys, error) {
	generate := allowGenerate && cfg.ToolKeyFile == "" && cfg.ToolKeyPEM == ""
	keys, err := lti.LoadToolKeys(lti.ToolKeyOptions{
		PEMFile:         cfg.ToolKeyFile,
		PEM:             cfg.ToolKeyPEM,
		KID:             cfg.ToolKeyID,
		PreviousPEMFile: cfg.ToolPreviousKeyFile,
		Generate:        generate,
	})
	if err != nil {
		return nil, err
	}
	if generate {
		log.Warn().Str("kid", keys.KID()).Msg("no TOOL_KEY_FILE/TOOL_KEY_PEM set, using an ephemeral signing key")
	}
	return keys, nil
}
