// internal/settings/settings.go
package settings

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rebirthhq/comms-service/internal/cache"
	"github.com/rebirthhq/comms-service/internal/repository"
)

// Settings keys the gateway needs.
const (
	KeyGatewayUsername = "AFRICASTALKING_USERNAME"
	KeyGatewayAPIKey   = "AFRICASTALKING_API_KEY"
	KeyGatewaySenderID = "AFRICASTALKING_SENDER_ID"
)

const cachePrefix = "setting:"

// Store is the cached key -> value lookup used only to build component
// configuration at startup.
type Store interface {
	GetSetting(ctx context.Context, key, def string) (string, error)
}

// Service reads settings from the database behind an optional cache layer.
type Service struct {
	Repo   repository.SettingRepositoryInterface
	Cache  cache.Cache
	TTL    time.Duration
	Logger *zap.Logger
}

func NewService(repo repository.SettingRepositoryInterface, c cache.Cache, logger *zap.Logger) *Service {
	return &Service{
		Repo:   repo,
		Cache:  c,
		TTL:    5 * time.Minute,
		Logger: logger,
	}
}

// GetSetting returns the current value for key, falling back to def when
// the setting does not exist. Cache errors degrade to a database read.
func (s *Service) GetSetting(ctx context.Context, key, def string) (string, error) {
	if s.Cache != nil {
		if val, err := s.Cache.Get(ctx, cachePrefix+key); err == nil {
			return val, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			s.Logger.Warn("settings cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	val, found, err := s.Repo.Get(key)
	if err != nil {
		return "", err
	}
	if !found {
		return def, nil
	}

	if s.Cache != nil {
		if err := s.Cache.Set(ctx, cachePrefix+key, val, s.TTL); err != nil {
			s.Logger.Warn("settings cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return val, nil
}

var _ Store = (*Service)(nil)
