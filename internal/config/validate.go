package config

import (
	"errors"
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/isometry/ldap-replicator/internal/ldap"
)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateReplay(); err != nil {
		return err
	}
	return c.validateReplicas()
}

// LogLevel returns the configured root log level.
func (c *Config) LogLevel() hclog.Level {
	return hclog.LevelFromString(c.Logging.Level)
}

func (c *Config) validateLogging() error {
	if hclog.LevelFromString(c.Logging.Level) == hclog.NoLevel {
		return fmt.Errorf("logging.level %q is not one of trace, debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateReplay() error {
	r := c.Replay
	if r.Rate < 0 {
		return fmt.Errorf("replay.rate must not be negative, got %v", r.Rate)
	}
	if r.Rate > 0 && r.Burst < 1 {
		return fmt.Errorf("replay.burst must be at least 1, got %d", r.Burst)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("replay.max_retries must not be negative, got %d", r.MaxRetries)
	}
	if r.InitialBackoff <= 0 {
		return fmt.Errorf("replay.initial_backoff must be positive, got %v", r.InitialBackoff)
	}
	if r.MaxBackoff < r.InitialBackoff {
		return fmt.Errorf("replay.max_backoff (%v) must not be less than replay.initial_backoff (%v)", r.MaxBackoff, r.InitialBackoff)
	}
	if r.BackoffFactor <= 1 {
		return fmt.Errorf("replay.backoff_factor must be greater than 1, got %v", r.BackoffFactor)
	}
	return nil
}

func (c *Config) validateReplicas() error {
	if len(c.Replicas) == 0 {
		return errors.New("at least one replica is required")
	}

	seen := make(map[string]bool, len(c.Replicas))
	for i := range c.Replicas {
		r := &c.Replicas[i]
		if seen[r.Name] {
			return fmt.Errorf("replicas[%d]: duplicate replica name %q", i, r.Name)
		}
		seen[r.Name] = true

		if err := r.Validate(); err != nil {
			return fmt.Errorf("replica %s: %w", r.Name, err)
		}
	}
	return nil
}

// Validate checks a single replica.
func (r *Replica) Validate() error {
	if err := r.validateEndpoint(); err != nil {
		return err
	}

	if r.TLS.Mode != "" {
		if _, err := ldap.ParseTLSMode(r.TLS.Mode); err != nil {
			return fmt.Errorf("tls.mode: %w", err)
		}
	}

	if r.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", r.Timeout)
	}

	method, err := ldap.ParseAuthMethod(r.BindMethod)
	if err != nil {
		return fmt.Errorf("bind_method: %w", err)
	}

	if r.BindDN != "" {
		if _, err := goldap.ParseDN(r.BindDN); err != nil {
			return fmt.Errorf("bind_dn %q: %w", r.BindDN, err)
		}
	}

	switch method {
	case ldap.AuthMethodSimpleBind:
		if r.BindDN == "" {
			return errors.New("bind_dn is required for simple bind")
		}
	case ldap.AuthMethodKerberos:
		if !ldap.KerberosSupported {
			return errors.New("kerberos bind_method is not supported by this build")
		}
		if r.BindDN == "" && r.Principal == "" {
			return errors.New("kerberos bind requires principal or a bind_dn carrying kerberosName")
		}
		if r.KerberosRealm == "" && r.Principal != "" && !strings.Contains(r.Principal, "@") {
			return fmt.Errorf("principal %q has no realm; set kerberos_realm", r.Principal)
		}
	}

	return nil
}

func (r *Replica) validateEndpoint() error {
	set := 0
	for _, v := range []string{r.URL, r.Host, r.Domain} {
		if v != "" {
			set++
		}
	}
	switch {
	case set == 0:
		return errors.New("one of url, host or domain is required")
	case set > 1:
		return errors.New("url, host and domain are mutually exclusive")
	}

	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", r.Port)
	}
	if r.Port != 0 && r.Host == "" {
		return errors.New("port is only valid with host")
	}

	if r.URL != "" {
		server, err := ldap.ParseLDAPURL(r.URL)
		if err != nil {
			return fmt.Errorf("url: %w", err)
		}
		if server.UseTLS && r.TLS.Mode != "" && !strings.EqualFold(r.TLS.Mode, "ldaps") {
			return fmt.Errorf("tls.mode %s conflicts with %s", r.TLS.Mode, r.URL)
		}
	}

	return nil
}
