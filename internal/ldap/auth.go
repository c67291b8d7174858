package ldap

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Authenticator binds a freshly opened connection on behalf of a Session.
// Implementations return a *BindError on failure.
type Authenticator interface {
	Authenticate(ctx context.Context, s *Session, conn Conn) error
}

// preflighter is implemented by authenticators that can reject a session
// before any connection is opened.
type preflighter interface {
	preflight(ctx context.Context, s *Session) error
}

// TicketAcquirer obtains a GSSAPI client holding a TGT for principal.
type TicketAcquirer interface {
	Acquire(ctx context.Context, cfg *ReplicaConfig, principal string) (ldap.GSSAPIClient, error)
}

// newAuthenticator selects the bind strategy for method.
func newAuthenticator(method AuthMethod, acquirer TicketAcquirer) Authenticator {
	switch method {
	case AuthMethodSimpleBind:
		return simpleAuthenticator{}
	case AuthMethodKerberos:
		return newKerberosAuthenticator(acquirer)
	default:
		return badAuthTypeAuthenticator{method: method}
	}
}

// simpleAuthenticator performs a DN/password bind.
type simpleAuthenticator struct{}

func (simpleAuthenticator) Authenticate(ctx context.Context, s *Session, conn Conn) error {
	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Performing simple bind", map[string]any{
		"endpoint": s.Endpoint(),
		"bind_dn":  s.config.BindDN,
	})

	if err := conn.Bind(s.config.BindDN, s.config.Password); err != nil {
		LogLDAPError(ctx, SubsystemLDAP, "simple_bind", err, map[string]any{
			"endpoint": s.Endpoint(),
			"bind_dn":  s.config.BindDN,
		})
		return newBindError(BindErrSimpleFailed, s.Endpoint(), err)
	}

	return nil
}

type badAuthTypeAuthenticator struct {
	method AuthMethod
}

func (a badAuthTypeAuthenticator) preflight(ctx context.Context, s *Session) error {
	tflog.SubsystemError(ctx, SubsystemLDAP, "Unknown bind method", map[string]any{
		"endpoint":    s.Endpoint(),
		"auth_method": int(a.method),
	})
	return newBindError(BindErrBadAuthType, s.Endpoint(), fmt.Errorf("bind method %d", int(a.method)))
}

func (a badAuthTypeAuthenticator) Authenticate(ctx context.Context, s *Session, _ Conn) error {
	return a.preflight(ctx, s)
}
