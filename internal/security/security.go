// Package security loads TLS material and resolves secret references in
// configuration.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
)

// LoadTLSConfig builds a tls.Config. It returns nil when cfg is nil or disabled.
func LoadTLSConfig(cfg *config.TLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("cert_file and key_file must be set together")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate and key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, nil
}

// ResolveSecret expands a secret reference. "env:NAME" reads an environment
// variable, "file:/path" reads a file with surrounding whitespace trimmed,
// anything else is returned unchanged.
func ResolveSecret(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		value := os.Getenv(name)
		if value == "" {
			return "", fmt.Errorf("environment variable %s not found", name)
		}
		return value, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from file %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return ref, nil
	}
}

type secretField struct {
	name string
	ptr  *string
}

// ResolveSecrets expands every secret-bearing field of cfg in place
func ResolveSecrets(cfg *config.Config) error {
	fields := []secretField{
		{"gateway.token", &cfg.Gateway.Token},
		{"query.token", &cfg.Query.Token},
		{"kafka.sasl_password", &cfg.Kafka.SASLPassword},
	}
	if es := cfg.Storage.Elasticsearch; es != nil {
		fields = append(fields,
			secretField{"storage.elasticsearch.password", &es.Password},
			secretField{"storage.elasticsearch.api_key", &es.APIKey},
		)
	}

	for _, f := range fields {
		if *f.ptr == "" {
			continue
		}
		v, err := ResolveSecret(*f.ptr)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = v
	}
	return nil
}
