package kv

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/groovybytes/dashauth/credential"
)

// OpenConfig selects and configures a backend.
type OpenConfig struct {
	// Host empty selects the memory backend.
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Cluster  bool

	// ManagedIdentity authenticates with a rotating Entra credential
	// instead of Username and Password.
	ManagedIdentity         bool
	ManagedIdentityClientID string
	TokenRefreshInterval    time.Duration

	// CredentialSource replaces the managed identity source. Tests use it.
	CredentialSource credential.Source

	DialTimeout time.Duration
}

// Open builds a store from cfg. A Redis host with managed identity whose
// credential cannot be acquired falls back to the memory backend with a
// warning, so a misconfigured identity degrades instead of failing startup.
func Open(ctx context.Context, cfg OpenConfig, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger

	if cfg.Host == "" {
		log.Info("kv using in-memory store")
		return NewMemory(opts...), nil
	}

	port := cfg.Port
	if port == 0 {
		port = 6379
		if cfg.TLS {
			port = 6380
		}
	}

	uopts := &redis.UniversalOptions{
		Addrs:         []string{net.JoinHostPort(cfg.Host, strconv.Itoa(port))},
		IsClusterMode: cfg.Cluster,
		Username:      cfg.Username,
		Password:      cfg.Password,
		DialTimeout:   cfg.DialTimeout,
	}
	if cfg.TLS {
		uopts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.Host,
		}
	}

	var refresher *credential.Refresher
	if cfg.ManagedIdentity {
		source := cfg.CredentialSource
		var err error
		if source == nil {
			source, err = credential.NewManagedIdentity(
				credential.WithClientID(cfg.ManagedIdentityClientID),
				credential.WithSourceLogger(log),
			)
		}

		var r *credential.Refresher
		if err == nil {
			r, err = credential.NewRefresher(ctx, source,
				credential.WithRefreshInterval(cfg.TokenRefreshInterval),
				credential.WithLogger(log),
			)
		}
		if errors.Is(err, credential.ErrCredentialUnavailable) {
			log.Warn("redis managed identity credential unavailable, falling back to in-memory store", zap.Error(err))
			return NewMemory(opts...), nil
		}
		if err != nil {
			return nil, err
		}
		refresher = r
		uopts.Username = ""
		uopts.Password = ""
		uopts.StreamingCredentialsProvider = r
	}

	client := redis.NewUniversalClient(uopts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if refresher != nil {
			_ = refresher.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	b := newRedisBackend(client, o)
	b.ownsClient = true
	if refresher != nil {
		b.closers = append(b.closers, refresher.Close)
	}

	log.Info("kv using redis store",
		zap.String("host", cfg.Host),
		zap.Int("port", port),
		zap.Bool("tls", cfg.TLS),
		zap.Bool("cluster", cfg.Cluster),
		zap.Bool("managed_identity", cfg.ManagedIdentity),
	)
	return newDB(b, o), nil
}
