package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisPingTimeout = 2 * time.Second

// NewRedis builds a client from REDIS_* env vars and verifies the connection
// with a bounded ping. When TLS is requested the CA and client cert material
// come from REDIS_TLS_CA_FILE, REDIS_TLS_CERT_FILE, REDIS_TLS_KEY_FILE.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	addr := envOr("REDIS_ADDR", "localhost:6379")
	db := 0
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", raw, err)
		}
		db = parsed
	}

	opts := &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}

	wantTLS := boolEnv("REDIS_TLS")
	if boolEnv("REDIS_REQUIRE_TLS") && !wantTLS {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	if wantTLS {
		tlsCfg, err := redisTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func redisTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE")); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read redis CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", caFile)
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must both be set")
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
