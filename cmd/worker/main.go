// cmd/worker/main.go
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/rebirthhq/comms-service/internal/cache"
	redisCache "github.com/rebirthhq/comms-service/internal/cache/redis"
	"github.com/rebirthhq/comms-service/internal/config"
	"github.com/rebirthhq/comms-service/internal/db"
	"github.com/rebirthhq/comms-service/internal/directory"
	"github.com/rebirthhq/comms-service/internal/gateway"
	"github.com/rebirthhq/comms-service/internal/queue"
	"github.com/rebirthhq/comms-service/internal/repository"
	"github.com/rebirthhq/comms-service/internal/service"
	"github.com/rebirthhq/comms-service/internal/settings"
)

func main() {
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

	if cfg.AMQPURL == "" {
		logger.Fatal("AMQP_URL is required; without a broker the API server processes fan-outs itself")
	}

	amqpConn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer amqpConn.Close()

	ch, err := amqpConn.Channel()
	if err != nil {
		logger.Fatal("failed to open channel", zap.Error(err))
	}
	defer ch.Close()

	declared, err := ch.QueueDeclare(
		queue.TopicCommunicationFanout,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		logger.Fatal("failed to declare queue", zap.Error(err))
	}

	msgs, err := ch.Consume(
		declared.Name,
		"",
		false, // manual ack for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		logger.Fatal("failed to register consumer", zap.Error(err))
	}

	// Scheduled and recurring delivery survive restarts through the scan,
	// not through broker delays.
	publisher, err := queue.NewAMQPQueue(amqpConn, logger)
	if err != nil {
		logger.Fatal("failed to set up publisher", zap.Error(err))
	}
	scanner := service.NewDueScanner(commRepo, publisher, logger, cfg.DueScanInterval)
	go scanner.Run(ctx)

	reconciler := service.NewReconcileService(receiptRepo, gw, logger)
	go func() {
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := reconciler.Run(ctx, cfg.ReconcileLookback); err != nil {
				logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker running, waiting for fan-out jobs")
	for d := range msgs {
		var job queue.FanoutJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			logger.Error("invalid job payload, discarding", zap.Error(err))
			d.Ack(false)
			continue
		}

		if err := fanoutSvc.Process(ctx, job.CommunicationID); err != nil {
			retryCount := retryCountFrom(d.Headers)
			// One retry per schedule entry, so len(DefaultBackoff) retries
			// on top of the first attempt.
			if retryCount < len(queue.DefaultBackoff) {
				// Republish after the backoff delay rather than nacking,
				// which would redeliver immediately.
				republishAfter(ch, job, retryCount+1, queue.DefaultBackoff[retryCount], logger)
				logger.Warn("fan-out failed, retry scheduled",
					zap.Int("communication_id", job.CommunicationID),
					zap.Int("retry", retryCount+1),
					zap.Duration("delay", queue.DefaultBackoff[retryCount]),
					zap.Error(err))
			} else {
				logger.Error("fan-out permanently failed",
					zap.Int("communication_id", job.CommunicationID),
					zap.Error(err))
				fanoutSvc.HandlePermanentFailure(job.CommunicationID, err)
			}
		}

		d.Ack(false)
	}
}

func retryCountFrom(headers amqp.Table) int {
	switch v := headers["x-retry-count"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func republishAfter(ch *amqp.Channel, job queue.FanoutJob, retryCount int, delay time.Duration, logger *zap.Logger) {
	body, err := json.Marshal(job)
	if err != nil {
		logger.Error("failed to marshal retry job", zap.Error(err))
		return
	}
	time.AfterFunc(delay, func() {
		err := ch.Publish(
			"",
			queue.TopicCommunicationFanout,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Headers:      amqp.Table{"x-retry-count": int32(retryCount)},
			},
		)
		if err != nil {
			logger.Error("failed to republish retry job", zap.Error(err))
		}
	})
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
