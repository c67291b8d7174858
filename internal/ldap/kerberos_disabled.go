//go:build nokerberos

package ldap

import (
	"context"
	"errors"
)

// KerberosSupported reports whether this build can perform strong binds.
const KerberosSupported = false

var errKerberosNotCompiled = errors.New("kerberos support not compiled in (built with nokerberos)")

// kerberosUnsupported fails every strong bind without touching the network.
type kerberosUnsupported struct{}

func newKerberosAuthenticator(TicketAcquirer) Authenticator {
	return kerberosUnsupported{}
}

func (kerberosUnsupported) preflight(ctx context.Context, s *Session) error {
	LogKerberosEvent(ctx, "authentication_failed", map[string]any{
		"endpoint": s.Endpoint(),
		"error":    errKerberosNotCompiled.Error(),
	})
	return newBindError(BindErrUnsupportedMethod, s.Endpoint(), errKerberosNotCompiled)
}

func (k kerberosUnsupported) Authenticate(ctx context.Context, s *Session, _ Conn) error {
	return k.preflight(ctx, s)
}
