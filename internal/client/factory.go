package client

import (
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"time"

	"github.com/speedarr/speedarr/internal/config"
	"github.com/speedarr/speedarr/internal/version"
	"github.com/speedarr/speedarr/pkg/httpclient"
)

// New builds an adapter from a client config entry. Cookie-session
// daemons (qBittorrent, Deluge) get a dedicated jar; the timeout caps
// each HTTP request, callers add per-operation deadlines via context.
func New(cfg config.ClientConfig, timeout time.Duration, logger *slog.Logger) (Adapter, error) {
	hcCfg := httpclient.Config{
		Timeout:   timeout,
		UserAgent: version.UserAgent(),
		Logger:    logger,
	}

	switch cfg.Type {
	case TypeQBittorrent:
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		hcCfg.Jar = jar
		return NewQBittorrent(cfg.ID, cfg.Name, cfg.URL, cfg.Username, cfg.Password, httpclient.New(hcCfg), logger), nil

	case TypeSABnzbd:
		return NewSABnzbd(cfg.ID, cfg.Name, cfg.URL, cfg.APIKey, httpclient.New(hcCfg), logger), nil

	case TypeNZBGet:
		return NewNZBGet(cfg.ID, cfg.Name, cfg.URL, cfg.Username, cfg.Password, httpclient.New(hcCfg), logger), nil

	case TypeTransmission:
		return NewTransmission(cfg.ID, cfg.Name, cfg.URL, cfg.Username, cfg.Password, httpclient.New(hcCfg), logger), nil

	case TypeDeluge:
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		hcCfg.Jar = jar
		return NewDeluge(cfg.ID, cfg.Name, cfg.URL, cfg.Password, httpclient.New(hcCfg), logger), nil
	}

	return nil, fmt.Errorf("client %q: type %q: %w", cfg.ID, cfg.Type, ErrUnsupportedType)
}
