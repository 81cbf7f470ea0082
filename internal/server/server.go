// Package server assembles the HTTP surface and background jobs of the
// vitrine backend.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vitrinelive/vitrine/internal/auth"
	"github.com/vitrinelive/vitrine/internal/billing"
	"github.com/vitrinelive/vitrine/internal/carts"
	"github.com/vitrinelive/vitrine/internal/config"
	"github.com/vitrinelive/vitrine/internal/httpx"
	"github.com/vitrinelive/vitrine/internal/inventory"
	"github.com/vitrinelive/vitrine/internal/invoice"
	"github.com/vitrinelive/vitrine/internal/logging"
	"github.com/vitrinelive/vitrine/internal/mail"
	"github.com/vitrinelive/vitrine/internal/shipments"
	"github.com/vitrinelive/vitrine/internal/shipping"
	"github.com/vitrinelive/vitrine/internal/store"
	"github.com/vitrinelive/vitrine/internal/uploads"
)

// Run starts the backend with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "vitrine",
	})

	log.Info().Str("version", version).Msg("Starting vitrine backend")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	stripeClient := billing.NewClient(cfg.StripeAPIKey)
	creditSvc := billing.NewCreditService(db.Ledger, stripeClient)

	carrier := shipping.NewClient(shipping.Config{
		BaseURL:       cfg.BoxtalBaseURL,
		TokenURL:      cfg.BoxtalTokenURL,
		ClientID:      cfg.BoxtalClientID,
		ClientSecret:  cfg.BoxtalClientSecret,
		LegacyBaseURL: cfg.BoxtalLegacyBaseURL,
		LegacyUser:    cfg.BoxtalLegacyUser,
		LegacyPass:    cfg.BoxtalLegacyPass,
	})

	var mailer mail.Sender
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
		log.Info().Str("host", cfg.SMTPHost).Msg("Email sender configured (SMTP)")
	} else {
		mailer = mail.NewLogSender(func(to, subject, body string) {
			const maxBody = 4096
			bodyForLog := body
			if len(bodyForLog) > maxBody {
				bodyForLog = bodyForLog[:maxBody] + "...(truncated)"
			}
			log.Info().
				Str("to", to).
				Str("subject", subject).
				Str("body", bodyForLog).
				Msg("Email (log-only, no SMTP host configured)")
		})
		log.Info().Msg("Email sender: log-only (set SMTP_HOST to enable)")
	}

	stock := inventory.NewEngine(db.Stock)
	reconciler := shipments.NewReconciler(
		db.Shipments, db.Carts, db.Stores, stripeClient, carrier, creditSvc,
		mailer, cfg.EmailFrom, cfg.AlertEmail,
	)
	editor := shipments.NewEditor(db.Shipments, db.Carts, stock, stripeClient)

	verifier := auth.NewVerifier(cfg.ClerkJWKSURL, cfg.ClerkSecretKey)

	var uploader *uploads.Uploader
	if cfg.S3Bucket != "" {
		uploader, err = uploads.NewUploader(ctx, cfg.S3Region, cfg.S3Bucket, cfg.CloudFrontDomain)
		if err != nil {
			return fmt.Errorf("init uploader: %w", err)
		}
	} else {
		log.Info().Msg("Uploads disabled (set S3_BUCKET to enable)")
	}

	mux := http.NewServeMux()
	deps := &Deps{
		Config:        cfg,
		DB:            db,
		Auth:          verifier,
		Carts:         carts.NewHandlers(db.Carts, db.Stores),
		Shipments:     shipments.NewHandlers(db.Shipments, db.Stores, editor, carrier, stripeClient, invoice.NewGenerator()),
		Boxtal:        shipping.NewHandlers(carrier),
		StripeWebhook: shipments.NewStripeWebhookHandler(cfg.StripeWebhookSecret, reconciler),
		BoxtalWebhook: shipments.NewBoxtalWebhookHandler(cfg.BoxtalWebhookSecret, reconciler),
		Uploader:      uploader,
		Version:       version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpx.WithServerDefaults(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)

	// Retry shipments whose Boxtal order creation failed at webhook time.
	sweeper := shipments.NewSweeper(db.Shipments, carrier, 15*time.Minute)
	group.Go(func() error {
		sweeper.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		log.Info().Str("addr", addr).Msg("Backend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
			cancel()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = group.Wait()
	log.Info().Msg("Backend stopped")
	return err
}
