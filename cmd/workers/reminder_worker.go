package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/assinado/assinado-backend/internal/audit"
	"github.com/assinado/assinado-backend/internal/config"
	"github.com/assinado/assinado-backend/internal/db"
	"github.com/assinado/assinado-backend/internal/documents"
	"github.com/assinado/assinado-backend/internal/notifications"
	"github.com/assinado/assinado-backend/pkg/clock"
	"github.com/assinado/assinado-backend/pkg/logger"
	"github.com/assinado/assinado-backend/pkg/metrics"
	"github.com/assinado/assinado-backend/pkg/random"
	"github.com/assinado/assinado-backend/pkg/storage"
)

// The reminder worker ticks once a day: documents past their deadline are
// expired, documents approaching it get a reminder to every pending
// signer. Fire-and-forget; it holds no cross-run state.

const reminderWindow = 3 * 24 * time.Hour

func main() {
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	database, err := db.Connect(cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	blobs, err := storage.NewLocalStore(cfg.Storage.BlobRoot)
	if err != nil {
		log.Fatal("failed to initialize blob store", zap.Error(err))
	}

	clk := clock.NewSystem()
	auditStore := audit.NewStore(database, clk, cfg.Signing.ChainGenesisPrefix)
	verifier := audit.NewVerifier(auditStore, cfg.Signing.ChainGenesisPrefix)
	notifier := notifications.NewService(log,
		notifications.NewEmailChannel(log),
		notifications.NewWhatsAppChannel(log),
	)

	repo := documents.NewRepository(database, auditStore)
	finalizer := documents.NewFinalizer(blobs, log)
	service := documents.NewService(
		repo, blobs, finalizer, auditStore, verifier, notifier,
		clk, random.NewSource(), cfg.Signing, log, metrics.NewCollector(),
	)

	worker := &reminderWorker{
		repo:     repo,
		service:  service,
		notifier: notifier,
		clock:    clk,
		logger:   log.With(zap.String("worker", "reminders")),
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("0 8 * * *", worker.Run); err != nil {
		log.Fatal("failed to schedule reminder job", zap.Error(err))
	}
	scheduler.Start()
	log.Info("reminder worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx := scheduler.Stop()
	<-ctx.Done()
	log.Info("reminder worker exiting")
}

type reminderWorker struct {
	repo     documents.Repository
	service  *documents.Service
	notifier notifications.Notifier
	clock    clock.Clock
	logger   *zap.Logger
}

func (w *reminderWorker) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	now := w.clock.Now()

	expired, err := w.repo.ListDocumentsPastDeadline(ctx, now)
	if err != nil {
		w.logger.Error("failed to list expired documents", zap.Error(err))
	}
	for _, doc := range expired {
		if err := w.service.Expire(ctx, documents.SystemActor(), doc.ID); err != nil {
			w.logger.Error("failed to expire document",
				zap.String("document_id", doc.ID.String()), zap.Error(err))
		}
	}

	upcoming, err := w.repo.ListDocumentsWithDeadlineBetween(ctx, now, now.Add(reminderWindow))
	if err != nil {
		w.logger.Error("failed to list upcoming deadlines", zap.Error(err))
		return
	}
	for _, doc := range upcoming {
		signers, err := w.repo.ListSigners(ctx, doc.ID)
		if err != nil {
			w.logger.Error("failed to list signers",
				zap.String("document_id", doc.ID.String()), zap.Error(err))
			continue
		}
		daysLeft := int(doc.DeadlineAt.Sub(now).Hours() / 24)
		for _, signer := range signers {
			if signer.Status == documents.SignerSigned || signer.Status == documents.SignerDeclined {
				continue
			}
			recipient := notifications.Recipient{
				Name:     signer.Name,
				Email:    signer.Email,
				Phone:    signer.Phone.String,
				Channels: signer.AuthChannels,
			}
			if err := w.notifier.SendReminder(ctx, recipient, doc.Title, daysLeft); err != nil {
				w.logger.Warn("reminder delivery failed",
					zap.String("signer_id", signer.ID.String()), zap.Error(err))
			}
		}
	}

	w.logger.Info("reminder sweep complete",
		zap.Int("expired", len(expired)),
		zap.Int("reminded", len(upcoming)))
}
