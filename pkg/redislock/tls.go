package redislock

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/fulfillment/saga-orchestrator/pkg/config"
)

// TLSOptions Redis TLS 参数；Enabled=false 时 Build 返回 nil
type TLSOptions struct {
	Enabled    bool
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
}

var ErrTLSKeyPair = errors.New("redis tls: cert and key must be set together")

// TLSOptionsFromEnv 读取 REDIS_TLS/REDIS_CACERT/REDIS_CERT/REDIS_KEY/REDIS_SERVER_NAME
func TLSOptionsFromEnv() TLSOptions {
	return TLSOptions{
		Enabled:    config.GetEnvBool("REDIS_TLS", false),
		CAFile:     config.GetEnv("REDIS_CACERT", ""),
		CertFile:   config.GetEnv("REDIS_CERT", ""),
		KeyFile:    config.GetEnv("REDIS_KEY", ""),
		ServerName: config.GetEnv("REDIS_SERVER_NAME", ""),
	}
}

func (o TLSOptions) Build() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	if (o.CertFile == "") != (o.KeyFile == "") {
		return nil, ErrTLSKeyPair
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName}
	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("redis tls: read ca: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls: no valid certificates in %s", o.CAFile)
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("redis tls: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
