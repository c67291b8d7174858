package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Session owns the authenticated connection to one replica.
//
// A Session is not safe for concurrent use: it is owned by the single worker
// replicating to its replica, and carries the connection handle, the cached
// Kerberos principal and the result code of the last protocol call across
// many change records.
type Session struct {
	config *ReplicaConfig

	conn       Conn
	principal  string
	lastResult uint16

	dial          Dialer
	acquirer      TicketAcquirer
	authenticator Authenticator
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) SessionOption {
	return func(s *Session) {
		s.dial = d
	}
}

// WithTicketAcquirer replaces the Kerberos ticket source used by strong binds.
func WithTicketAcquirer(a TicketAcquirer) SessionOption {
	return func(s *Session) {
		s.acquirer = a
	}
}

// WithAuthenticator replaces the bind strategy selected from the configuration.
func WithAuthenticator(a Authenticator) SessionOption {
	return func(s *Session) {
		s.authenticator = a
	}
}

// NewSession creates an unbound session for cfg.
func NewSession(cfg *ReplicaConfig, opts ...SessionOption) *Session {
	s := &Session{
		config: cfg,
		dial:   DialReplica,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.authenticator == nil && cfg != nil {
		s.authenticator = newAuthenticator(cfg.BindMethod, s.acquirer)
	}

	return s
}

// Config returns the replica configuration.
func (s *Session) Config() *ReplicaConfig {
	return s.config
}

// Endpoint returns host:port of the replica.
func (s *Session) Endpoint() string {
	if s == nil || s.config == nil {
		return ""
	}
	return s.config.Endpoint()
}

// Conn returns the bound connection, or nil.
func (s *Session) Conn() Conn {
	return s.conn
}

// IsBound reports whether the session holds a live connection.
func (s *Session) IsBound() bool {
	return s.conn != nil && !s.conn.IsClosing()
}

// Principal returns the Kerberos principal in use, if any.
func (s *Session) Principal() string {
	if s.principal != "" {
		return s.principal
	}
	if s.config != nil {
		return s.config.Principal
	}
	return ""
}

// RecordResult stores the result code of a protocol call and returns it.
func (s *Session) RecordResult(err error) uint16 {
	s.lastResult = ResultCode(err)
	return s.lastResult
}

// LastResultCode returns the result code recorded by the most recent call.
func (s *Session) LastResultCode() uint16 {
	return s.lastResult
}

// EnsureBound guarantees the session holds an authenticated connection.
//
// A live connection is reused without network activity. Otherwise any stale
// connection is released, a new one is opened, and the configured bind
// strategy runs against it. No retry happens here.
func (s *Session) EnsureBound(ctx context.Context) error {
	if s == nil || s.config == nil {
		return &BindError{Kind: BindErrBadSession, Cause: errors.New("session has no replica configuration")}
	}

	if s.IsBound() {
		return nil
	}

	endpoint := s.config.Endpoint()
	fields := map[string]any{
		"replica":     s.config.Name,
		"endpoint":    endpoint,
		"auth_method": s.config.BindMethod.String(),
	}

	if s.conn != nil {
		LogConnectionEvent(ctx, "connection_lost", map[string]any{"endpoint": endpoint})
		_ = s.Unbind(ctx)
	}

	if s.authenticator == nil {
		return &BindError{Kind: BindErrBadSession, Endpoint: endpoint, Cause: errors.New("no bind strategy configured")}
	}

	if p, ok := s.authenticator.(preflighter); ok {
		if err := p.preflight(ctx, s); err != nil {
			s.RecordResult(err)
			fields["error"] = err.Error()
			LogConnectionEvent(ctx, "authentication_failed", fields)
			return err
		}
	}

	start := time.Now()
	LogConnectionEvent(ctx, "connection_attempt", fields)

	conn, err := s.dial(ctx, s.config)
	if err != nil {
		s.RecordResult(err)
		fields["error"] = err.Error()
		LogConnectionEvent(ctx, "connection_failed", fields)
		return newBindError(BindErrOpen, endpoint, err)
	}

	// go-ldap never chases referrals, so only the request timeout needs setting.
	if s.config.Timeout > 0 {
		conn.SetTimeout(s.config.Timeout)
	}
	tflog.SubsystemTrace(ctx, SubsystemLDAP, "Connection options applied", map[string]any{
		"endpoint":   endpoint,
		"timeout_ms": s.config.Timeout.Milliseconds(),
		"referrals":  "disabled",
	})

	if err := s.authenticator.Authenticate(ctx, s, conn); err != nil {
		_ = conn.Close()
		s.RecordResult(err)
		fields["error"] = err.Error()
		fields["duration_ms"] = time.Since(start).Milliseconds()
		LogConnectionEvent(ctx, "authentication_failed", fields)

		var bindErr *BindError
		if !errors.As(err, &bindErr) {
			err = newBindError(BindErrBadSession, endpoint, err)
		}
		return err
	}

	s.conn = conn
	s.lastResult = ldap.LDAPResultSuccess

	fields["duration_ms"] = time.Since(start).Milliseconds()
	if p := s.Principal(); p != "" && s.config.BindMethod == AuthMethodKerberos {
		fields["principal"] = p
	}
	LogConnectionEvent(ctx, "authentication_success", fields)

	return nil
}

// Unbind releases the connection. The handle is cleared even when the
// unbind request fails; the failure is logged and returned for information.
func (s *Session) Unbind(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}

	conn := s.conn
	s.conn = nil

	err := conn.Unbind()
	if err == nil {
		LogConnectionEvent(ctx, "connection_closed", map[string]any{"endpoint": s.Endpoint()})
		return nil
	}

	_ = conn.Close()

	if errors.Is(err, ldap.ErrConnUnbound) {
		// Already torn down by the transport.
		return nil
	}

	LogConnectionEvent(ctx, "unbind_failed", map[string]any{
		"endpoint": s.Endpoint(),
		"error":    err.Error(),
	})
	return err
}

// Close drops the connection without sending an unbind request.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	return conn.Close()
}

// DialReplica opens a connection to the replica described by cfg, upgrading
// it with StartTLS when configured.
func DialReplica(ctx context.Context, cfg *ReplicaConfig) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url := cfg.URL()
	dialer := &net.Dialer{Timeout: cfg.Timeout}

	var conn *ldap.Conn
	var err error

	switch cfg.TLSMode {
	case TLSModeLDAPS:
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfigFor(cfg)))
	default:
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer))
		if err == nil && cfg.TLSMode == TLSModeStartTLS {
			if err = conn.StartTLS(tlsConfigFor(cfg)); err != nil {
				conn.Close()
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	return conn, nil
}

// tlsConfigFor returns the TLS configuration with ServerName defaulted to the host.
func tlsConfigFor(cfg *ReplicaConfig) *tls.Config {
	var tc *tls.Config
	if cfg.TLSConfig != nil {
		tc = cfg.TLSConfig.Clone()
	} else {
		tc = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tc.ServerName == "" {
		tc.ServerName = cfg.Host
	}
	return tc
}
