package main

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/domain/identity"
	"github.com/medvault/medvault/internal/domain/records"
	"github.com/medvault/medvault/internal/domain/sharing"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/blobstore"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/middleware"
	"github.com/medvault/medvault/internal/platform/notification"
	"github.com/medvault/medvault/internal/platform/openapi"
	"github.com/medvault/medvault/internal/platform/sandbox"
	"github.com/medvault/medvault/internal/platform/telemetry"
	"github.com/medvault/medvault/internal/platform/webhook"
	"github.com/medvault/medvault/internal/platform/websocket"
	"github.com/medvault/medvault/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "medvault-server",
		Short: "Medical record sharing API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(grantsCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationSource(firstNonEmpty(dir, cfg.MigrationsDir))).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(firstNonEmpty(dir, cfg.MigrationsDir))).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func grantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Maintain record access grants",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete grants whose expiry has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := sharing.NewService(
				sharing.NewGrantRepo(pool),
				records.NewRepo(pool),
				identity.NewDoctorRepo(pool),
				db.NewTxRunner(pool),
			)
			n, err := svc.PurgeExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d expired grant(s).\n", n)
			return nil
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	defaults := sandbox.DefaultSeedConfig()
	seedCfg := defaults

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo doctors, patients and shared records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.IsDev() {
				return fmt.Errorf("seed only runs with ENV=development")
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			blobs, err := newBlobStore(ctx, cfg)
			if err != nil {
				return err
			}

			plan, err := sandbox.NewSeeder(seedCfg).Plan()
			if err != nil {
				return err
			}

			tx := db.NewTxRunner(pool)
			doctorRepo := identity.NewDoctorRepo(pool)
			recordRepo := records.NewRepo(pool)
			tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionTTL)
			revocations := auth.NewRevocationStore(time.Minute)
			defer revocations.Close()

			identitySvc := identity.NewService(identity.NewAccountRepo(pool), identity.NewPatientRepo(pool), doctorRepo,
				identity.NewResetRepo(pool), tx, tokens, revocations, identity.WithLogger(logger))
			sharingSvc := sharing.NewService(sharing.NewGrantRepo(pool), recordRepo, doctorRepo, tx,
				sharing.WithDefaultTTL(cfg.DefaultGrantTTL), sharing.WithLogger(logger))
			recordSvc := records.NewService(recordRepo, sharingSvc, blobs, tx, records.Config{
				MaxUploadBytes:  cfg.MaxUploadBytes,
				DefaultGrantTTL: cfg.DefaultGrantTTL,
				PublicURLTTL:    cfg.PublicURLTTL,
			}, records.WithLogger(logger))

			res, err := runSeed(ctx, plan, seedCfg.Password, identitySvc, recordSvc)
			if err != nil {
				return err
			}
			fmt.Printf("Created %d doctor(s), %d patient(s), %d record(s). Password for every account: %s\n",
				res.doctors, res.patients, res.records, seedCfg.Password)
			return nil
		},
	}
	cmd.Flags().IntVar(&seedCfg.Doctors, "doctors", defaults.Doctors, "Number of doctors")
	cmd.Flags().IntVar(&seedCfg.Patients, "patients", defaults.Patients, "Number of patients")
	cmd.Flags().IntVar(&seedCfg.RecordsPerPatient, "records", defaults.RecordsPerPatient, "Records uploaded by each patient")
	cmd.Flags().IntVar(&seedCfg.SharesPerRecord, "shares", defaults.SharesPerRecord, "Doctors each record is shared with")
	cmd.Flags().Int64Var(&seedCfg.Seed, "seed", defaults.Seed, "Random seed; 0 picks one from the clock")
	cmd.Flags().StringVar(&seedCfg.Password, "password", defaults.Password, "Password set on every seeded account")
	return cmd
}

type seedIdentity interface {
	SignUpDoctor(ctx context.Context, in identity.DoctorSignUpInput) (*identity.Session, error)
	SignUpPatient(ctx context.Context, in identity.SignUpInput) (*identity.Session, error)
}

type seedRecords interface {
	Upload(ctx context.Context, p auth.Principal, in records.UploadInput) (*records.Record, error)
}

type seedResult struct {
	doctors, patients, records int
}

// runSeed creates plan through the services, so seeded data passes the same
// validation as API traffic.
func runSeed(ctx context.Context, plan *sandbox.Plan, password string, ids seedIdentity, recs seedRecords) (seedResult, error) {
	var res seedResult
	doctorIDs := make([]uuid.UUID, 0, len(plan.Doctors))
	for _, d := range plan.Doctors {
		sess, err := ids.SignUpDoctor(ctx, identity.DoctorSignUpInput{
			Email:           d.Email,
			Password:        password,
			FullName:        d.FullName,
			Specialization:  d.Specialization,
			YearsExperience: d.YearsExperience,
			ContactPhone:    d.Phone,
		})
		if err != nil {
			return res, fmt.Errorf("seed doctor %s: %w", d.Email, err)
		}
		doctorIDs = append(doctorIDs, sess.Identity.Doctor.ID)
		res.doctors++
	}

	for _, p := range plan.Patients {
		sess, err := ids.SignUpPatient(ctx, identity.SignUpInput{
			Email:         p.Email,
			Password:      password,
			FullName:      p.FullName,
			DateOfBirth:   p.DateOfBirth,
			ContactNumber: p.Phone,
		})
		if err != nil {
			return res, fmt.Errorf("seed patient %s: %w", p.Email, err)
		}
		res.patients++
		principal := auth.Principal{AccountID: sess.Identity.Patient.ID, Email: p.Email, Role: auth.RolePatient}

		for _, doc := range p.Documents {
			shareWith := make([]uuid.UUID, 0, len(doc.ShareWith))
			for _, idx := range doc.ShareWith {
				shareWith = append(shareWith, doctorIDs[idx])
			}
			if _, err := recs.Upload(ctx, principal, records.UploadInput{
				Title:       doc.Title,
				Type:        records.Type(doc.Category),
				FileName:    doc.FileName,
				ContentType: "application/pdf",
				Size:        int64(len(doc.Body)),
				Body:        bytes.NewReader(doc.Body),
				ShareWith:   shareWith,
			}); err != nil {
				return res, fmt.Errorf("seed record %q for %s: %w", doc.Title, p.Email, err)
			}
			res.records++
		}
	}
	return res, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// migrationSource prefers an on-disk directory when one is configured.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		store, err := blobstore.NewS3Store(blobstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Bucket:    cfg.StorageBucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return blobstore.NewMemoryStore(cfg.PublicBaseURL+"/blobs", cfg.BlobSigningKey()), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// app holds the HTTP server and the background pieces that share its
// lifetime.
type app struct {
	echo        *echo.Echo
	hub         *websocket.Hub
	purger      *sharing.Purger
	revocations *auth.RevocationStore
	webhooks    *webhook.Dispatcher // nil when no endpoint is configured
}

// newApp wires repositories, services and routes. oauth may be nil when no
// external identity provider is configured.
func newApp(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, blobs blobstore.Store, oauth identity.OAuthProvider) (*app, error) {
	var webhooks *webhook.Dispatcher
	if cfg.WebhookURL != "" {
		var err error
		webhooks, err = webhook.NewDispatcher([]webhook.Endpoint{{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			Events: cfg.WebhookEvents,
		}}, webhook.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("webhook: %w", err)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionTTL)
	revocations := auth.NewRevocationStore(time.Minute)
	hub := websocket.NewHub(logger)
	metrics := telemetry.NewProvider()
	metrics.RegisterGauge("medvault_websocket_clients", "Connected websocket clients.", func() int64 {
		return int64(hub.ClientCount())
	})
	if pool != nil {
		metrics.RegisterGauge("db_pool_acquired_connections", "Database connections in use.", func() int64 {
			return int64(pool.Stat().AcquiredConns())
		})
		metrics.RegisterGauge("db_pool_idle_connections", "Idle database connections.", func() int64 {
			return int64(pool.Stat().IdleConns())
		})
	}

	publishers := websocket.Fanout{hub}
	if webhooks != nil {
		publishers = append(publishers, webhooks)
	}

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(metrics.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.MaxUploadBytes))
	e.Use(auth.Middleware(tokens, revocations, auth.Skipper))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	e.Use(middleware.RateLimit(rateLimitCfg))
	e.Use(middleware.Audit(logger))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	if mem, ok := blobs.(*blobstore.MemoryStore); ok {
		e.GET("/blobs/*", mem.ServeSigned)
	}

	tx := db.NewTxRunner(pool)
	doctorRepo := identity.NewDoctorRepo(pool)
	recordRepo := records.NewRepo(pool)

	identityOpts := []identity.Option{
		identity.WithResetTTL(cfg.PasswordResetTTL),
		identity.WithMailer(newMailer(cfg, logger)),
		identity.WithLogger(logger),
	}
	if oauth != nil {
		identityOpts = append(identityOpts, identity.WithOAuth(oauth))
	}
	identitySvc := identity.NewService(
		identity.NewAccountRepo(pool),
		identity.NewPatientRepo(pool),
		doctorRepo,
		identity.NewResetRepo(pool),
		tx, tokens, revocations,
		identityOpts...,
	)

	sharingSvc := sharing.NewService(sharing.NewGrantRepo(pool), recordRepo, doctorRepo, tx,
		sharing.WithPublisher(metrics.CountingPublisher(publishers)),
		sharing.WithDefaultTTL(cfg.DefaultGrantTTL),
		sharing.WithLogger(logger),
	)
	recordSvc := records.NewService(recordRepo, sharingSvc, blobs, tx, records.Config{
		MaxUploadBytes:  cfg.MaxUploadBytes,
		DefaultGrantTTL: cfg.DefaultGrantTTL,
		PublicURLTTL:    cfg.PublicURLTTL,
	}, records.WithLogger(logger))

	apiV1 := e.Group("/api/v1")
	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)
	sharing.NewHandler(sharingSvc).RegisterRoutes(apiV1)
	records.NewHandler(recordSvc).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	docs := openapi.NewGenerator(e.Routes, version, cfg.PublicBaseURL, auth.IsPublicPath)
	for _, d := range routeSummaries {
		docs.Describe(d[0], d[1], d[2])
	}
	docs.RegisterRoutes(apiV1)

	return &app{
		echo:        e,
		hub:         hub,
		purger:      sharing.NewPurger(sharingSvc, cfg.GrantPurgeInterval, logger),
		revocations: revocations,
		webhooks:    webhooks,
	}, nil
}

var routeSummaries = [][3]string{
	{http.MethodPost, "/api/v1/auth/signup", "Create a patient account"},
	{http.MethodPost, "/api/v1/auth/doctors/signup", "Create a doctor account and directory entry"},
	{http.MethodPost, "/api/v1/auth/signin", "Exchange credentials for a session token"},
	{http.MethodPost, "/api/v1/records", "Upload a record, optionally sharing it"},
	{http.MethodGet, "/api/v1/records", "List the caller's records"},
	{http.MethodGet, "/api/v1/records/shared", "List records shared with the calling doctor"},
	{http.MethodGet, "/api/v1/records/:id/download", "Download a record's file"},
	{http.MethodPost, "/api/v1/records/:id/grants", "Share a record with a doctor"},
	{http.MethodDelete, "/api/v1/grants/:id", "Revoke a grant"},
	{http.MethodGet, "/api/v1/events", "Subscribe to grant and record events"},
}

// newMailer sends through SMTP when a relay is configured and logs the
// message otherwise.
func newMailer(cfg *config.Config, logger zerolog.Logger) *notification.Mailer {
	var sender notification.EmailSender = notification.LogSender{Logger: logger}
	if cfg.SMTPAddr != "" {
		sender = notification.NewSMTPSender(notification.SMTPConfig{
			Addr:     cfg.SMTPAddr,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		})
	}
	return notification.NewMailer(sender, cfg.PasswordResetURL, notification.WithLogger(logger))
}

func discoverOAuth(ctx context.Context, cfg *config.Config) (identity.OAuthProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	provider, err := auth.DiscoverOIDC(ctx, nil, cfg.OAuthIssuer)
	if err != nil {
		return nil, err
	}
	return auth.NewOAuthClient(provider, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthRedirectURL), nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	applied, err := db.NewMigrator(pool, migrationSource(cfg.MigrationsDir)).Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	}
	if applied > 0 {
		logger.Info().Int("count", applied).Msg("applied migrations")
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to open blob store")
	}
	logger.Info().Str("backend", cfg.StorageBackend).Str("bucket", cfg.StorageBucket).Msg("blob store ready")

	var oauth identity.OAuthProvider
	if cfg.OAuthEnabled() {
		oauth, err = discoverOAuth(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Str("issuer", cfg.OAuthIssuer).Msg("OIDC discovery failed")
		}
		logger.Info().Str("issuer", cfg.OAuthIssuer).Msg("OAuth sign-in enabled")
	}

	a, err := newApp(cfg, logger, pool, blobs, oauth)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build application")
	}
	defer a.revocations.Close()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go a.purger.Run(bgCtx)
	if a.webhooks != nil {
		go a.webhooks.Run(bgCtx)
		logger.Info().Str("url", cfg.WebhookURL).Msg("webhook delivery enabled")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
