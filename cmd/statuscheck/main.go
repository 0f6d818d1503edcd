// cmd/statuscheck/main.go
//
// One-shot reconciliation sweep, the manual counterpart of the periodic
// sweep in cmd/worker. Per-receipt failures are logged and never change
// the exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/rebirthhq/comms-service/internal/config"
	"github.com/rebirthhq/comms-service/internal/db"
	"github.com/rebirthhq/comms-service/internal/gateway"
	"github.com/rebirthhq/comms-service/internal/repository"
	"github.com/rebirthhq/comms-service/internal/service"
	"github.com/rebirthhq/comms-service/internal/settings"
)

func main() {
	hours := flag.Int("hours", 24, "how many hours back to look for unresolved receipts")
	flag.Parse()

	godotenv.Load()
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	conn, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer conn.Close()

	ctx := context.Background()

	receiptRepo := &repository.ReceiptRepository{DB: conn}
	settingRepo := &repository.SettingRepository{DB: conn}
	settingsSvc := settings.NewService(settingRepo, nil, logger)

	username, _ := settingsSvc.GetSetting(ctx, settings.KeyGatewayUsername, "")
	apiKey, _ := settingsSvc.GetSetting(ctx, settings.KeyGatewayAPIKey, "")
	senderID, _ := settingsSvc.GetSetting(ctx, settings.KeyGatewaySenderID, "")

	gw := gateway.NewAfricasTalking(gateway.Config{
		Username:          username,
		APIKey:            apiKey,
		SenderID:          senderID,
		CountryCode:       cfg.CountryCode,
		Production:        cfg.IsProduction(),
		RequestsPerMinute: cfg.GatewayRequestsPerMinute,
		Timeout:           cfg.GatewayTimeout,
	}, logger)

	reconciler := service.NewReconcileService(receiptRepo, gw, logger)

	summary, err := reconciler.Run(ctx, time.Duration(*hours)*time.Hour)
	if err != nil {
		logger.Fatal("reconciliation sweep failed", zap.Error(err))
	}

	fmt.Printf("Checked %d receipts, updated %d\n", summary.Checked, summary.Updated)
}
