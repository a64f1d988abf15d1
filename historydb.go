// Package historydb assembles the version history and annotation engine
// for an embedding editor: storage, the optional Redis cache, the
// workspace of open documents, and the optional websocket/HTTP transport.
package historydb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/officepro/historydb/internal/auth"
	"github.com/officepro/historydb/internal/cache"
	"github.com/officepro/historydb/internal/config"
	"github.com/officepro/historydb/internal/logging"
	"github.com/officepro/historydb/internal/storage"
	"github.com/officepro/historydb/internal/transport"
	"github.com/officepro/historydb/internal/versioning"
	"github.com/officepro/historydb/internal/workspace"
)

type Service struct {
	Config    *config.Config
	Gateway   storage.Gateway
	Workspace *workspace.Workspace

	cache  *cache.RedisCache
	keys   *auth.Keyring
	bridge *transport.Bridge
	api    *transport.APIServer
	logger *logging.Logger
}

// New opens the configured store and cache and builds the workspace. A
// nil cfg loads the configuration from the environment.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logging.Configure(os.Stderr, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLogger("historydb")

	gateway, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StorageDriver, err)
	}

	svc := &Service{
		Config:  cfg,
		Gateway: gateway,
		logger:  logger,
	}

	var materialized versioning.Cache
	if cfg.RedisURL != "" {
		c, err := cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			// history works without the cache, only slower
			logger.Warn("Materialization cache disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			svc.cache = c
			materialized = c
		}
	}

	ws, err := workspace.New(cfg, gateway, materialized)
	if err != nil {
		svc.closeStores()
		return nil, err
	}
	svc.Workspace = ws

	logger.Info("History service ready", map[string]interface{}{
		"storage":           cfg.StorageDriver,
		"cache":             svc.cache != nil,
		"baseline_interval": cfg.BaselineInterval,
		"diff_strategy":     cfg.DiffStrategy,
	})
	return svc, nil
}

// Handler returns the HTTP history API with the editor bridge mounted at
// /ws. It is built on first use.
func (s *Service) Handler() (http.Handler, error) {
	if s.api != nil {
		return s.api, nil
	}

	keys, err := auth.NewKeyring(s.Config.AuthFile)
	if err != nil {
		return nil, err
	}
	s.keys = keys
	s.bridge = transport.NewBridge(s.Workspace, s.Config.CORSOrigins)
	s.api = transport.NewAPIServer(s.Workspace, s.Gateway, s.bridge, keys, s.Config.CORSOrigins)
	return s.api, nil
}

// Keys is the API keyring of the transport, nil until Handler is called.
func (s *Service) Keys() *auth.Keyring {
	return s.keys
}

// Close records final versions of open documents and releases every
// connection.
func (s *Service) Close(ctx context.Context) error {
	if s.bridge != nil {
		s.bridge.Close()
	}
	err := s.Workspace.Shutdown(ctx)
	return errors.Join(err, s.closeStores())
}

func (s *Service) closeStores() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	errs = append(errs, s.Gateway.Close())
	return errors.Join(errs...)
}
