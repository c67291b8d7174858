package ldap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// KerberosNameAttribute holds the principals a directory entry may bind as.
const KerberosNameAttribute = "kerberosName"

// lookupPrincipals finds the Kerberos principals recorded on bindDN.
//
// The connection is bound anonymously and bindDN is read with a base-object
// search for KerberosNameAttribute. Exactly one entry must match.
func lookupPrincipals(ctx context.Context, conn Conn, bindDN string, timeout time.Duration) ([]string, error) {
	start := time.Now()

	if err := conn.UnauthenticatedBind(""); err != nil {
		return nil, fmt.Errorf("anonymous bind for %s lookup failed: %w", KerberosNameAttribute, err)
	}

	req := ldap.NewSearchRequest(
		bindDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0,
		int(timeout/time.Second),
		false,
		"(objectClass=*)",
		[]string{KerberosNameAttribute},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("%s lookup on %s failed: %w", KerberosNameAttribute, bindDN, err)
	}

	switch len(result.Entries) {
	case 0:
		return nil, fmt.Errorf("%s lookup on %s: entry not found", KerberosNameAttribute, bindDN)
	case 1:
	default:
		return nil, fmt.Errorf("%s lookup on %s: ambiguous, %d entries returned", KerberosNameAttribute, bindDN, len(result.Entries))
	}

	var principals []string
	for _, v := range result.Entries[0].GetAttributeValues(KerberosNameAttribute) {
		if v = strings.TrimSpace(v); v != "" {
			principals = append(principals, v)
		}
	}

	if len(principals) == 0 {
		return nil, fmt.Errorf("entry %s has no %s values", bindDN, KerberosNameAttribute)
	}

	LogKerberosEvent(ctx, "principal_candidates", map[string]any{
		"bind_dn":     bindDN,
		"candidates":  principals,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return principals, nil
}

// generateRuntimeKrb5Conf generates a krb5.conf that discovers KDCs through DNS.
func generateRuntimeKrb5Conf(ctx context.Context, realm, domain string) (string, error) {
	if realm == "" {
		return "", fmt.Errorf("kerberos realm is required for auto-discovery")
	}

	realm = strings.ToUpper(realm)
	if domain == "" {
		domain = realm
	}
	domain = strings.ToLower(domain)

	tflog.SubsystemDebug(ctx, SubsystemKerberos, "Generating runtime krb5.conf", map[string]any{
		"realm":  realm,
		"domain": domain,
	})

	config := fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true
    ticket_lifetime = 24h
    renew_lifetime = 7d

[realms]
    %s = {
    }

[domain_realm]
    .%s = %s
    %s = %s
`,
		realm,
		realm,
		domain, realm,
		domain, realm,
	)

	return config, nil
}
