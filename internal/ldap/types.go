package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// DefaultKerberosNameLookupTimeout bounds the kerberosName search used to
// resolve candidate principals for a bind DN.
const DefaultKerberosNameLookupTimeout = 30 * time.Second

// ReplicaConfig holds the connection and credential settings for one replica.
type ReplicaConfig struct {
	Name    string        // Replica name used in logs and metrics
	Host    string        // Replica host
	Port    int           // Replica port
	TLSMode TLSMode       // Transport security
	Timeout time.Duration // Per-request timeout

	TLSConfig *tls.Config // TLS configuration for LDAPS and StartTLS

	// Authentication settings
	BindMethod AuthMethod // Strategy used by EnsureBound
	BindDN     string     // Bind DN (simple) or kerberosName lookup base (kerberos)
	Password   string     // Simple bind password, or Kerberos password credential

	// Kerberos settings
	Principal      string // Explicit principal; when empty, looked up from BindDN
	KerberosKeytab string // Path to keytab file
	KerberosRealm  string // Default realm when the principal carries none
	KerberosConfig string // Path to krb5.conf; generated at runtime when empty
	KerberosCCache string // Path to credential cache
	KerberosSPN    string // Service principal override (default ldap/<host>)
}

// DefaultReplicaConfig returns a configuration with secure defaults.
func DefaultReplicaConfig() *ReplicaConfig {
	return &ReplicaConfig{
		Port:       389,
		TLSMode:    TLSModeStartTLS,
		Timeout:    30 * time.Second,
		BindMethod: AuthMethodSimpleBind,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// Endpoint returns host:port for logs and outcome messages.
func (c *ReplicaConfig) Endpoint() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns the dial URL for the replica.
func (c *ReplicaConfig) URL() string {
	return ServerInfoToURL(&ServerInfo{
		Host:   c.Host,
		Port:   c.Port,
		UseTLS: c.TLSMode == TLSModeLDAPS,
	})
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// TLSMode selects how the connection to a replica is secured.
type TLSMode int

const (
	TLSModeNone     TLSMode = iota // Plain LDAP
	TLSModeLDAPS                   // TLS from the first byte
	TLSModeStartTLS                // Plain LDAP upgraded with StartTLS
)

func (m TLSMode) String() string {
	switch m {
	case TLSModeNone:
		return "none"
	case TLSModeLDAPS:
		return "ldaps"
	case TLSModeStartTLS:
		return "starttls"
	default:
		return "unknown"
	}
}

// ParseTLSMode parses a configuration value into a TLSMode.
func ParseTLSMode(s string) (TLSMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return TLSModeNone, nil
	case "ldaps":
		return TLSModeLDAPS, nil
	case "starttls":
		return TLSModeStartTLS, nil
	default:
		return TLSModeNone, fmt.Errorf("unknown TLS mode %q (expected none, ldaps or starttls)", s)
	}
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota // DN/password authentication
	AuthMethodKerberos                     // GSSAPI/Kerberos authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	default:
		return "unknown"
	}
}

// ParseAuthMethod parses a configuration value into an AuthMethod.
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple", "":
		return AuthMethodSimpleBind, nil
	case "kerberos", "gssapi":
		return AuthMethodKerberos, nil
	default:
		return AuthMethod(-1), fmt.Errorf("unknown bind method %q (expected simple or kerberos)", s)
	}
}

// Conn is the subset of *ldap.Conn used by a Session.
type Conn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
	Unbind() error
	Close() error
	IsClosing() bool
	SetTimeout(timeout time.Duration)

	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	ModifyDN(req *ldap.ModifyDNRequest) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
}

var _ Conn = (*ldap.Conn)(nil)

// Dialer opens a transport connection to a replica.
type Dialer func(ctx context.Context, cfg *ReplicaConfig) (Conn, error)
