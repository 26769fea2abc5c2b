package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/assinado/assinado-backend/internal/accounts"
	"github.com/assinado/assinado-backend/internal/audit"
	"github.com/assinado/assinado-backend/internal/config"
	"github.com/assinado/assinado-backend/internal/db"
	"github.com/assinado/assinado-backend/internal/documents"
	"github.com/assinado/assinado-backend/internal/notifications"
	"github.com/assinado/assinado-backend/internal/signing"
	"github.com/assinado/assinado-backend/pkg/clock"
	"github.com/assinado/assinado-backend/pkg/logger"
	"github.com/assinado/assinado-backend/pkg/metrics"
	"github.com/assinado/assinado-backend/pkg/random"
	"github.com/assinado/assinado-backend/pkg/storage"
)

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

	if err := db.Migrate(database); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	blobs, err := newBlobStore(cfg.Storage, log)
	if err != nil {
		log.Fatal("failed to initialize blob store", zap.Error(err))
	}

	clk := clock.NewSystem()
	rnd := random.NewSource()
	collector := metrics.NewCollector()

	auditStore := audit.NewStore(database, clk, cfg.Signing.ChainGenesisPrefix)
	verifier := audit.NewVerifier(auditStore, cfg.Signing.ChainGenesisPrefix)

	notifier := notifications.NewService(log,
		notifications.NewEmailChannel(log),
		notifications.NewWhatsAppChannel(log),
	)

	docRepo := documents.NewRepository(database, auditStore)
	finalizer := documents.NewFinalizer(blobs, log)
	docService := documents.NewService(
		docRepo, blobs, finalizer, auditStore, verifier, notifier,
		clk, rnd, cfg.Signing, log, collector,
	)
	signService := signing.NewService(
		docRepo, docService, blobs, notifier,
		clk, rnd, cfg.Signing, log, collector,
	)

	accountsRepo := accounts.NewRepository(database)
	issuer := accounts.NewTokenIssuer(cfg.Security.JWTSecret, cfg.Security.SessionTTL, clk)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(collector.Middleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})
	router.GET("/metrics", collector.Handler())

	public := router.Group("/")
	authed := router.Group("/")
	authed.Use(issuer.Middleware())

	accounts.NewHandler(accountsRepo, issuer).RegisterRoutes(public)
	documents.NewHandler(docService).RegisterRoutes(authed, public)
	signing.NewHandler(signService).RegisterRoutes(public)

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()
	log.Info("server started", zap.String("addr", srv.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exiting")
}

func newBlobStore(cfg config.StorageConfig, log *zap.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, err
		}
		log.Info("using s3 blob store", zap.String("bucket", cfg.S3Bucket))
		return storage.NewS3Store(s3.NewFromConfig(awsCfg), cfg.S3Bucket), nil
	default:
		log.Info("using local blob store", zap.String("root", cfg.BlobRoot))
		return storage.NewLocalStore(cfg.BlobRoot)
	}
}
