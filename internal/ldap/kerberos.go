//go:build !nokerberos

package ldap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"
)

// KerberosSupported reports whether this build can perform strong binds.
const KerberosSupported = true

// kerberosAuthenticator performs a GSSAPI bind, resolving the client
// principal from configuration, the session cache, or the directory.
type kerberosAuthenticator struct {
	acquirer TicketAcquirer
}

func newKerberosAuthenticator(acquirer TicketAcquirer) Authenticator {
	if acquirer == nil {
		acquirer = krb5TicketAcquirer{}
	}
	return &kerberosAuthenticator{acquirer: acquirer}
}

func (a *kerberosAuthenticator) Authenticate(ctx context.Context, s *Session, conn Conn) error {
	endpoint := s.Endpoint()

	candidates, err := a.candidatePrincipals(ctx, s, conn)
	if err != nil {
		LogKerberosEvent(ctx, "principal_lookup_failed", map[string]any{
			"endpoint": endpoint,
			"bind_dn":  s.config.BindDN,
			"error":    err.Error(),
		})
		return newBindError(BindErrStrongFailed, endpoint, err)
	}

	var client ldap.GSSAPIClient
	var lastErr error
	for _, principal := range candidates {
		c, err := a.acquirer.Acquire(ctx, s.config, principal)
		if err != nil {
			LogKerberosEvent(ctx, "ticket_acquisition_failed", map[string]any{
				"principal": principal,
				"error":     err.Error(),
			})
			lastErr = err
			continue
		}

		LogKerberosEvent(ctx, "ticket_acquired", map[string]any{"principal": principal})
		if s.config.Principal == "" && s.principal != principal {
			s.principal = principal
			LogKerberosEvent(ctx, "principal_cached", map[string]any{"principal": principal})
		}
		client = c
		break
	}

	if client == nil {
		return newBindError(BindErrStrongFailed, endpoint,
			fmt.Errorf("no ticket obtained for %d candidate principal(s): %w", len(candidates), lastErr))
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(s.config)
	if err != nil {
		return newBindError(BindErrStrongFailed, endpoint, err)
	}

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		LogKerberosEvent(ctx, "authentication_failed", map[string]any{
			"endpoint": endpoint,
			"spn":      spn,
			"error":    err.Error(),
		})
		return newBindError(BindErrStrongFailed, endpoint, fmt.Errorf("GSSAPI bind failed: %w", err))
	}

	return nil
}

// candidatePrincipals returns the principals to try, in order.
func (a *kerberosAuthenticator) candidatePrincipals(ctx context.Context, s *Session, conn Conn) ([]string, error) {
	if s.config.Principal != "" {
		return []string{s.config.Principal}, nil
	}
	if s.principal != "" {
		return []string{s.principal}, nil
	}
	if s.config.BindDN == "" {
		return nil, errors.New("kerberos bind requires a principal or a bind DN to look one up")
	}
	return lookupPrincipals(ctx, conn, s.config.BindDN, DefaultKerberosNameLookupTimeout)
}

// krb5TicketAcquirer obtains TGTs with gokrb5.
// Credential priority: keytab, then password, then credential cache.
type krb5TicketAcquirer struct{}

func (krb5TicketAcquirer) Acquire(ctx context.Context, cfg *ReplicaConfig, principal string) (ldap.GSSAPIClient, error) {
	username, realm := splitPrincipal(principal, cfg.KerberosRealm)
	if realm == "" {
		return nil, fmt.Errorf("no realm for principal %q (set kerberos_realm or use user@REALM)", principal)
	}

	krbConf, err := loadKrb5Config(ctx, cfg, realm)
	if err != nil {
		return nil, err
	}

	settings := krb5client.DisablePAFXFAST(true)

	var cl *krb5client.Client
	switch {
	case fileExists(keytabPath(cfg)):
		kt, err := keytab.Load(keytabPath(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to load keytab: %w", err)
		}
		LogKerberosEvent(ctx, "keytab_loaded", map[string]any{"principal": principal})
		cl = krb5client.NewWithKeytab(username, realm, kt, krbConf, settings)

	case cfg.Password != "":
		cl = krb5client.NewWithPassword(username, realm, cfg.Password, krbConf, settings)

	case fileExists(ccachePath(cfg)):
		cc, err := credentials.LoadCCache(ccachePath(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to load credential cache: %w", err)
		}
		owner := cc.DefaultPrincipal.PrincipalName.PrincipalNameString()
		if !strings.EqualFold(owner, username) || !strings.EqualFold(cc.DefaultPrincipal.Realm, realm) {
			return nil, fmt.Errorf("credential cache belongs to %s@%s, not %s", owner, cc.DefaultPrincipal.Realm, principal)
		}
		cl, err = krb5client.NewFromCCache(cc, krbConf, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to use credential cache: %w", err)
		}

	default:
		return nil, errors.New("no Kerberos credentials: provide keytab, password or kerberos_ccache")
	}

	if err := cl.Login(); err != nil {
		cl.Destroy()
		return nil, fmt.Errorf("failed to obtain TGT: %w", err)
	}

	return &gssapi.Client{Client: cl}, nil
}

// loadKrb5Config reads the configured krb5.conf, or the system one, and
// falls back to a generated DNS-discovery configuration for realm.
func loadKrb5Config(ctx context.Context, cfg *ReplicaConfig, realm string) (*krb5config.Config, error) {
	path := cfg.KerberosConfig
	if path == "" {
		path = os.Getenv("KRB5_CONFIG")
	}
	if path == "" && fileExists("/etc/krb5.conf") {
		path = "/etc/krb5.conf"
	}

	if path != "" {
		c, err := krb5config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load Kerberos configuration %s: %w", path, err)
		}
		return c, nil
	}

	conf, err := generateRuntimeKrb5Conf(ctx, realm, domainFromHost(cfg.Host))
	if err != nil {
		return nil, err
	}
	return krb5config.NewFromString(conf)
}

// buildServicePrincipal constructs the LDAP service principal name.
// cfg.KerberosSPN overrides the default ldap/<host>.
func buildServicePrincipal(cfg *ReplicaConfig) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	hostname := cfg.Host
	if hostname == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	if colonPos := strings.Index(hostname, ":"); colonPos != -1 {
		hostname = hostname[:colonPos]
	}

	return fmt.Sprintf("ldap/%s", hostname), nil
}

// splitPrincipal splits user@REALM, defaulting the realm.
func splitPrincipal(principal, defaultRealm string) (string, string) {
	if i := strings.LastIndex(principal, "@"); i != -1 {
		return principal[:i], strings.ToUpper(principal[i+1:])
	}
	return principal, strings.ToUpper(defaultRealm)
}

// domainFromHost drops the first label of a fully qualified host name.
func domainFromHost(host string) string {
	if i := strings.Index(host, "."); i != -1 {
		return host[i+1:]
	}
	return host
}

func keytabPath(cfg *ReplicaConfig) string {
	if cfg.KerberosKeytab != "" {
		return cfg.KerberosKeytab
	}
	return getDefaultKeytabPath()
}

func ccachePath(cfg *ReplicaConfig) string {
	if cfg.KerberosCCache != "" {
		return cfg.KerberosCCache
	}
	return getDefaultCCachePath()
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// getDefaultKeytabPath returns the default client keytab location.
func getDefaultKeytabPath() string {
	if kt := os.Getenv("KRB5_CLIENT_KTNAME"); kt != "" {
		return strings.TrimPrefix(kt, "FILE:")
	}
	return ""
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
