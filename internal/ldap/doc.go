/*
Package ldap manages authenticated sessions to replica directory servers.

# Architecture Overview

The package is organized into several core components:

  - Session: one connection/authentication handle per replica, reused across
    change records and rebuilt after the server drops it
  - Authenticator: pluggable bind strategies (simple and Kerberos/GSSAPI)
  - SRVDiscovery: DNS SRV based location of a replica from its domain
  - Dump helpers: trace rendering of built requests, including binary values

# Session Lifecycle

EnsureBound is called before every change record:

  - A live connection is reused without network activity
  - A connection the transport has closed is unbound best-effort and dropped
  - A new connection is opened (plain, LDAPS or StartTLS) and bound

Unbind always clears the handle, even if the server cannot be told.

# Kerberos

When no principal is configured, the principals allowed to bind as the bind
DN are read from its kerberosName attribute with an anonymous base search.
Each candidate is tried in turn; the first one that obtains a ticket is
cached on the Session. Building with the nokerberos tag replaces the strong
bind with one that always fails with BindErrUnsupportedMethod.

# Error Handling

Bind failures are reported as *BindError with a BindErrorKind. Protocol
results are reduced to LDAP result codes with ResultCode; IsServerDown marks
the codes after which a rebind and retry is worthwhile. LDAPError carries an
operator-facing description of a failed operation.

# Thread Safety

A Session is owned by a single goroutine. Distinct Sessions share nothing.

# Example Usage

	cfg := ldap.DefaultReplicaConfig()
	cfg.Name = "replica1"
	cfg.Host = "ldap1.example.com"
	cfg.BindDN = "cn=replicator,dc=example,dc=com"
	cfg.Password = "secret"

	session := ldap.NewSession(cfg)
	if err := session.EnsureBound(ctx); err != nil {
		return err
	}
	defer session.Unbind(ctx)
*/
package ldap
