package replica

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	ldapsession "github.com/isometry/ldap-replicator/internal/ldap"
)

// liveSession connects to the directory named by REPLICAD_TEST_LDAP_URL.
func liveSession(t *testing.T) (*ldapsession.Session, string) {
	t.Helper()

	url := os.Getenv("REPLICAD_TEST_LDAP_URL")
	if url == "" {
		t.Skip("REPLICAD_TEST_LDAP_URL not set")
	}
	baseDN := os.Getenv("REPLICAD_TEST_BASE_DN")
	if baseDN == "" {
		t.Skip("REPLICAD_TEST_BASE_DN not set")
	}

	server, err := ldapsession.ParseLDAPURL(url)
	require.NoError(t, err)

	cfg := ldapsession.DefaultReplicaConfig()
	cfg.Name = "live"
	cfg.Host = server.Host
	cfg.Port = server.Port
	cfg.TLSMode = ldapsession.TLSModeNone
	if server.UseTLS {
		cfg.TLSMode = ldapsession.TLSModeLDAPS
	}
	cfg.TLSConfig.InsecureSkipVerify = os.Getenv("REPLICAD_TEST_INSECURE") != ""
	cfg.BindDN = os.Getenv("REPLICAD_TEST_BIND_DN")
	cfg.Password = os.Getenv("REPLICAD_TEST_PASSWORD")
	cfg.Timeout = 10 * time.Second

	return ldapsession.NewSession(cfg), baseDN
}

func TestLive_ReplicateLifecycle(t *testing.T) {
	session, baseDN := liveSession(t)
	ctx := context.Background()
	dispatcher := NewDispatcher(session)
	t.Cleanup(func() { _ = session.Unbind(ctx) })

	name := "replicad-" + uuid.NewString()[:8]
	dn := fmt.Sprintf("cn=%s,%s", name, baseDN)
	renamed := fmt.Sprintf("cn=%s-renamed,%s", name, baseDN)

	records := []*Record{
		{
			DN:         dn,
			ChangeType: ChangeTypeAdd,
			Mods: []ModItem{
				Item("objectClass", "top"),
				Item("objectClass", "person"),
				Item("cn", name),
				Item("sn", "Replicated"),
			},
		},
		{
			DN:         dn,
			ChangeType: ChangeTypeModify,
			Mods: []ModItem{
				Item(ItemReplace, "sn"),
				Item("sn", "Modified"),
				Item(ItemSeparator, ""),
				Item(ItemAdd, "description"),
				Item("description", "written by replicad live test"),
				Item(ItemSeparator, ""),
			},
		},
		{
			DN:         dn,
			ChangeType: ChangeTypeRename,
			Mods: []ModItem{
				Item(ItemNewRDN, "cn="+name+"-renamed"),
				Item(ItemDeleteOldRDN, "1"),
			},
		},
		{
			DN:         renamed,
			ChangeType: ChangeTypeDelete,
		},
	}

	for _, rec := range records {
		out := dispatcher.Replicate(ctx, rec)
		require.Truef(t, out.OK(), "%s %s: %s", rec.ChangeType, rec.DN, out.Message)
	}

	// Deleting again must be rejected, not retried.
	out := dispatcher.Replicate(ctx, records[3])
	require.Equal(t, StatusFatal, out.Status)
}
