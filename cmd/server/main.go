// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/rebirthhq/comms-service/internal/cache"
	redisCache "github.com/rebirthhq/comms-service/internal/cache/redis"
	"github.com/rebirthhq/comms-service/internal/config"
	"github.com/rebirthhq/comms-service/internal/controller"
	"github.com/rebirthhq/comms-service/internal/db"
	"github.com/rebirthhq/comms-service/internal/directory"
	"github.com/rebirthhq/comms-service/internal/gateway"
	"github.com/rebirthhq/comms-service/internal/queue"
	"github.com/rebirthhq/comms-service/internal/repository"
	"github.com/rebirthhq/comms-service/internal/service"
	"github.com/rebirthhq/comms-service/internal/settings"
)

func main() {
	// Missing .env is fine in deployed environments; config comes from the
	// OS there.
	godotenv.Load()
	cfg := config.Load()

	logger := newLogger(cfg)
	defer logger.Sync()

	conn, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer conn.Close()

	ctx := context.Background()

	var c cache.Cache
	if cfg.RedisAddr != "" {
		rc, err := redisCache.NewRedisCache(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, settings served from the database", zap.Error(err))
		} else {
			c = rc
		}
	}

	commRepo := &repository.CommunicationRepository{DB: conn}
	receiptRepo := &repository.ReceiptRepository{DB: conn}
	settingRepo := &repository.SettingRepository{DB: conn}

	settingsSvc := settings.NewService(settingRepo, c, logger)
	gw := gatewayFromSettings(ctx, settingsSvc, cfg, logger)

	fanoutSvc := service.NewFanOutService(
		commRepo,
		receiptRepo,
		&directory.ContactGroupDirectory{DB: conn},
		gw,
		logger,
	)
	fanoutSvc.Cooldown = cfg.FanoutCooldown

	var q queue.Queue
	if cfg.AMQPURL != "" {
		amqpConn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Fatal("failed to connect to broker", zap.Error(err))
		}
		defer amqpConn.Close()

		q, err = queue.NewAMQPQueue(amqpConn, logger)
		if err != nil {
			logger.Fatal("failed to set up publisher", zap.Error(err))
		}
		logger.Info("publishing fan-out jobs to broker; run cmd/worker to consume them")
	} else {
		// No broker configured: process fan-outs in this process.
		mem := queue.NewInMemoryQueue(logger)
		mem.Subscribe(queue.TopicCommunicationFanout, func(payload any) error {
			id, ok := payload.(int)
			if !ok {
				logger.Error("unexpected fan-out payload", zap.Any("payload", payload))
				return nil
			}
			return fanoutSvc.Process(ctx, id)
		})
		mem.OnExhausted(func(topic string, payload any, err error) {
			if id, ok := payload.(int); ok {
				fanoutSvc.HandlePermanentFailure(id, err)
			}
		})
		q = mem

		scanner := service.NewDueScanner(commRepo, q, logger, cfg.DueScanInterval)
		go scanner.Run(ctx)

		reconciler := service.NewReconcileService(receiptRepo, gw, logger)
		go runReconcileLoop(ctx, reconciler, cfg, logger)
	}

	trigger := service.NewLifecycleTrigger(q, logger)

	commController := &controller.CommunicationController{
		Comms:    commRepo,
		Receipts: receiptRepo,
		Trigger:  trigger,
		Logger:   logger,
	}

	r := chi.NewRouter()

	r.Post("/communications", commController.CreateCommunication)
	r.Get("/communications", commController.ListCommunications)
	r.Get("/communications/{id}", commController.GetCommunication)
	r.Get("/communications/{id}/receipts", commController.ListReceipts)
	r.Post("/communications/{id}/approve", commController.ApproveCommunication)
	r.Post("/communications/{id}/cancel", commController.CancelCommunication)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("server running", zap.String("addr", cfg.HTTPAddr))
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	if cfg.IsProduction() {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger
}

// gatewayFromSettings builds the SMS adapter from stored credentials. With
// no credentials seeded the adapter runs in synthetic mode, which is what
// local development wants.
func gatewayFromSettings(ctx context.Context, store settings.Store, cfg *config.Config, logger *zap.Logger) gateway.SMSGateway {
	username, err := store.GetSetting(ctx, settings.KeyGatewayUsername, "")
	if err != nil {
		logger.Warn("failed to read gateway username", zap.Error(err))
	}
	apiKey, err := store.GetSetting(ctx, settings.KeyGatewayAPIKey, "")
	if err != nil {
		logger.Warn("failed to read gateway api key", zap.Error(err))
	}
	senderID, err := store.GetSetting(ctx, settings.KeyGatewaySenderID, "")
	if err != nil {
		logger.Warn("failed to read gateway sender id", zap.Error(err))
	}

	return gateway.NewAfricasTalking(gateway.Config{
		Username:          username,
		APIKey:            apiKey,
		SenderID:          senderID,
		CountryCode:       cfg.CountryCode,
		Production:        cfg.IsProduction(),
		RequestsPerMinute: cfg.GatewayRequestsPerMinute,
		Timeout:           cfg.GatewayTimeout,
	}, logger)
}

func runReconcileLoop(ctx context.Context, reconciler *service.ReconcileService, cfg *config.Config, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reconciler.Run(ctx, cfg.ReconcileLookback); err != nil {
				logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}
