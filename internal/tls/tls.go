// Package tls builds the link server's TLS configuration from certificate
// files, optionally generating a self-signed pair on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// ErrNoCertificate is returned when TLS is enabled without files or a dir.
var ErrNoCertificate = errors.New("TLS enabled but no certificate configured")

// Config selects the certificate source. CertFile/KeyFile win over Dir.
type Config struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"` // DNS names or IPs
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

// parseVersion maps "1.2"/"1.3" to a tls version; anything else is 1.3.
func parseVersion(ver string) uint16 {
	switch strings.TrimPrefix(strings.ToLower(ver), "tls") {
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS13
	}
}

// Setup returns nil when TLS is disabled.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" || keyPath == "" {
		if c.Dir == "" {
			return nil, ErrNoCertificate
		}
		certPath = filepath.Join(c.Dir, tlsCrt)
		keyPath = filepath.Join(c.Dir, tlsKey)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if !exists(certPath, keyPath) {
		return nil, fmt.Errorf("%w: %s, %s not found", ErrNoCertificate, certPath, keyPath)
	}
	return &tls.Config{
		GetCertificate: reloading(certPath, keyPath),
		MinVersion:     parseVersion(c.MinVersion),
	}, nil
}

// reloading reads the pair on every handshake so rotated files are picked
// up without a restart.
func reloading(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return fmt.Errorf("create certificate dir: %w", err)
	}
	hosts := c.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365
	}
	cn := c.CommonName
	if cn == "" {
		cn = hosts[0]
	}
	return GenerateSelfSigned(CertConfig{
		CommonName: cn,
		Hosts:      hosts,
		ValidDays:  days,
		CertPath:   filepath.Join(c.Dir, tlsCrt),
		KeyPath:    filepath.Join(c.Dir, tlsKey),
		CACertPath: filepath.Join(c.Dir, tlsCaCrt),
	})
}
