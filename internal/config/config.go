// Package config loads the replicator's YAML configuration.
package config

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/isometry/ldap-replicator/internal/ldap"
)

// Config is the top-level configuration file.
type Config struct {
	Logging  Logging   `yaml:"logging"`
	Admin    Admin     `yaml:"admin"`
	Replay   Replay    `yaml:"replay"`
	Replicas []Replica `yaml:"replicas"`
}

// Logging configures the root logger.
type Logging struct {
	Level string `yaml:"level" default:"info"`
}

// Admin configures the metrics and health endpoint.
type Admin struct {
	// Listen is the address to serve on; empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Replay configures how records are paced and retried.
type Replay struct {
	Rate           float64       `yaml:"rate"` // records per second across all workers, 0 = unlimited
	Burst          int           `yaml:"burst" default:"1"`
	MaxRetries     int           `yaml:"max_retries" default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
	BackoffFactor  float64       `yaml:"backoff_factor" default:"2.0"`
}

// Replica describes one directory server to replicate to.
type Replica struct {
	Name string `yaml:"name"`

	// Exactly one of URL, Host or Domain locates the server.
	URL    string `yaml:"url"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Domain string `yaml:"domain"`

	TLS TLS `yaml:"tls"`

	BindMethod  string `yaml:"bind_method" default:"simple"`
	BindDN      string `yaml:"bind_dn"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`

	Principal      string `yaml:"principal"`
	Keytab         string `yaml:"keytab"`
	KerberosRealm  string `yaml:"kerberos_realm"`
	KerberosConfig string `yaml:"kerberos_config"`
	KerberosCCache string `yaml:"kerberos_ccache"`
	KerberosSPN    string `yaml:"kerberos_spn"`

	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

// TLS configures transport security for a replica.
type TLS struct {
	// Mode is none, ldaps or starttls. Empty selects ldaps for ldaps:// URLs
	// and LDAPS SRV records, starttls otherwise.
	Mode               string `yaml:"mode"`
	CACertFile         string `yaml:"ca_cert_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates configuration data. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range cfg.Replicas {
		r := &cfg.Replicas[i]
		if err := defaults.Set(r); err != nil {
			return nil, fmt.Errorf("failed to apply defaults to replicas[%d]: %w", i, err)
		}
		if r.Name == "" {
			r.Name = r.defaultName(i)
		}
		if err := r.resolvePassword(); err != nil {
			return nil, fmt.Errorf("replica %s: %w", r.Name, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultName names an unnamed replica after its endpoint.
func (r *Replica) defaultName(index int) string {
	switch {
	case r.URL != "":
		return r.URL
	case r.Host != "":
		return r.Host
	case r.Domain != "":
		return r.Domain
	default:
		return fmt.Sprintf("replica-%d", index+1)
	}
}

// resolvePassword reads the password from PasswordEnv when one is named.
func (r *Replica) resolvePassword() error {
	if r.PasswordEnv == "" || r.Password != "" {
		return nil
	}
	pw, ok := os.LookupEnv(r.PasswordEnv)
	if !ok {
		return fmt.Errorf("password_env %s is not set", r.PasswordEnv)
	}
	r.Password = pw
	return nil
}

// ConnectionConfig builds the session configuration for r, resolving a
// domain through DNS SRV records.
func (r *Replica) ConnectionConfig(ctx context.Context) (*ldap.ReplicaConfig, error) {
	return r.ConnectionConfigWith(ctx, ldap.NewSRVDiscovery(nil))
}

// ConnectionConfigWith is ConnectionConfig with an explicit discovery source.
func (r *Replica) ConnectionConfigWith(ctx context.Context, discovery *ldap.SRVDiscovery) (*ldap.ReplicaConfig, error) {
	server, err := r.server(ctx, discovery)
	if err != nil {
		return nil, fmt.Errorf("replica %s: %w", r.Name, err)
	}

	method, err := ldap.ParseAuthMethod(r.BindMethod)
	if err != nil {
		return nil, fmt.Errorf("replica %s: %w", r.Name, err)
	}

	mode, err := r.tlsMode(server)
	if err != nil {
		return nil, fmt.Errorf("replica %s: %w", r.Name, err)
	}

	tlsConfig, err := r.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("replica %s: %w", r.Name, err)
	}

	cfg := ldap.DefaultReplicaConfig()
	cfg.Name = r.Name
	cfg.Host = server.Host
	cfg.Port = server.Port
	cfg.TLSMode = mode
	cfg.TLSConfig = tlsConfig
	cfg.Timeout = r.Timeout
	cfg.BindMethod = method
	cfg.BindDN = r.BindDN
	cfg.Password = r.Password
	cfg.Principal = r.Principal
	cfg.KerberosKeytab = r.Keytab
	cfg.KerberosRealm = r.KerberosRealm
	cfg.KerberosConfig = r.KerberosConfig
	cfg.KerberosCCache = r.KerberosCCache
	cfg.KerberosSPN = r.KerberosSPN

	return cfg, nil
}

// server locates the replica from URL, Host or Domain.
func (r *Replica) server(ctx context.Context, discovery *ldap.SRVDiscovery) (*ldap.ServerInfo, error) {
	switch {
	case r.URL != "":
		return ldap.ParseLDAPURL(r.URL)

	case r.Host != "":
		port := r.Port
		if port == 0 {
			port = 389
			if strings.EqualFold(r.TLS.Mode, "ldaps") {
				port = 636
			}
		}
		server := &ldap.ServerInfo{Host: r.Host, Port: port, Source: "config"}
		return server, ldap.ValidateServerInfo(server)

	case r.Domain != "":
		server, err := discovery.ResolveServer(ctx, r.Domain)
		if err != nil {
			return nil, fmt.Errorf("failed to discover servers for %s: %w", r.Domain, err)
		}
		return server, nil

	default:
		return nil, errors.New("one of url, host or domain is required")
	}
}

func (r *Replica) tlsMode(server *ldap.ServerInfo) (ldap.TLSMode, error) {
	if r.TLS.Mode == "" {
		if server.UseTLS {
			return ldap.TLSModeLDAPS, nil
		}
		return ldap.TLSModeStartTLS, nil
	}

	mode, err := ldap.ParseTLSMode(r.TLS.Mode)
	if err != nil {
		return mode, err
	}
	if server.UseTLS && mode != ldap.TLSModeLDAPS {
		return mode, fmt.Errorf("tls.mode %s conflicts with ldaps endpoint %s", mode, ldap.ServerInfoToURL(server))
	}
	return mode, nil
}

func (r *Replica) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: r.TLS.InsecureSkipVerify, // #nosec G402 - operator opt-in
	}

	if r.TLS.CACertFile != "" {
		pem, err := os.ReadFile(filepath.Clean(r.TLS.CACertFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read tls.ca_cert_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls.ca_cert_file %s contains no PEM certificates", r.TLS.CACertFile)
		}
		tc.RootCAs = pool
	}

	return tc, nil
}
