// Package tlsutil builds client TLS configurations for the broker and bus
// transports from file-based certificate material.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/gbsoft/fleetstream/errors"
)

// ClientConfig describes the TLS material for one outbound transport. All
// fields are optional: a zero config yields system-pool verification at TLS
// 1.2 or better.
type ClientConfig struct {
	// CAFile is a PEM bundle trusted in addition to the system pool,
	// typically the municipal private CA.
	CAFile string `json:"caFile" yaml:"ca_file"`

	// CertFile and KeyFile are the client certificate pair for brokers that
	// require mutual TLS. Both must be set together.
	CertFile string `json:"certFile" yaml:"cert_file"`
	KeyFile  string `json:"-" yaml:"key_file"`

	// InsecureSkipVerify disables certificate verification. Test rigs only.
	InsecureSkipVerify bool `json:"insecureSkipVerify" yaml:"insecure_skip_verify"`

	// MinVersion is "1.2" or "1.3"; anything else falls back to 1.2.
	MinVersion string `json:"minVersion" yaml:"min_version"`
}

// Empty reports whether the config carries no TLS settings at all
func (c ClientConfig) Empty() bool {
	return c.CAFile == "" && c.CertFile == "" && c.KeyFile == "" &&
		!c.InsecureSkipVerify && c.MinVersion == ""
}

// LoadClientTLS builds a tls.Config from cfg. The system CA pool is always
// the verification base; CAFile adds to it rather than replacing it.
func LoadClientTLS(cfg ClientConfig) (*tls.Config, error) {
	if cfg.CertFile == "" != (cfg.KeyFile == "") {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"tlsutil", "LoadClientTLS", "cert_file and key_file must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, errors.WrapInvalid(err, "tlsutil", "LoadClientTLS",
				fmt.Sprintf("read CA file %s", cfg.CAFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapInvalid(fmt.Errorf("no certificates in PEM data"),
				"tlsutil", "LoadClientTLS",
				fmt.Sprintf("parse CA certificate from %s", cfg.CAFile))
		}
	}
	tlsConfig.RootCAs = rootCAs

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapInvalid(err, "tlsutil", "LoadClientTLS",
				fmt.Sprintf("load client certificate %s", cfg.CertFile))
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
