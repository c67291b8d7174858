package replica

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapsession "github.com/isometry/ldap-replicator/internal/ldap"
)

// Executor performs one record against a bound session and returns the raw
// LDAP result code. A non-nil error explains a non-success code; the code
// alone decides the outcome. The session must be bound.
type Executor func(ctx context.Context, s *ldapsession.Session, rec *Record) (uint16, error)

// executorFor returns the executor for t, or nil for an unknown type.
func executorFor(t ChangeType) Executor {
	switch t {
	case ChangeTypeAdd:
		return ExecuteAdd
	case ChangeTypeModify:
		return ExecuteModify
	case ChangeTypeDelete:
		return ExecuteDelete
	case ChangeTypeRename:
		return ExecuteRename
	default:
		return nil
	}
}

func executorFields(s *ldapsession.Session, rec *Record) map[string]any {
	return map[string]any{
		"endpoint":    s.Endpoint(),
		"dn":          rec.DN,
		"change_type": rec.ChangeType.String(),
	}
}

// ExecuteAdd creates the entry. The reported code is the session's last
// recorded result.
func ExecuteAdd(ctx context.Context, s *ldapsession.Session, rec *Record) (uint16, error) {
	req, err := BuildAdd(rec.DN, rec.Mods)
	if err != nil {
		return ldap.LDAPResultParamError, err
	}

	tflog.SubsystemDebug(ctx, ldapsession.SubsystemReplica, "Replicating add", executorFields(s, rec))
	ldapsession.DumpAddRequest(ctx, ldapsession.SubsystemReplica, req)

	err = s.Conn().Add(req)
	s.RecordResult(err)
	return s.LastResultCode(), err
}

// ExecuteModify applies the record's update groups to the entry.
func ExecuteModify(ctx context.Context, s *ldapsession.Session, rec *Record) (uint16, error) {
	req, err := BuildModify(ctx, rec.DN, rec.Mods)
	if err != nil {
		return ldap.LDAPResultParamError, err
	}

	tflog.SubsystemDebug(ctx, ldapsession.SubsystemReplica, "Replicating modify", executorFields(s, rec))
	ldapsession.DumpModifyRequest(ctx, ldapsession.SubsystemReplica, req)

	err = s.Conn().Modify(req)
	return s.RecordResult(err), err
}

// ExecuteDelete removes the entry. The record's items are ignored.
func ExecuteDelete(ctx context.Context, s *ldapsession.Session, rec *Record) (uint16, error) {
	tflog.SubsystemDebug(ctx, ldapsession.SubsystemReplica, "Replicating delete", executorFields(s, rec))

	err := s.Conn().Del(ldap.NewDelRequest(rec.DN, nil))
	return s.RecordResult(err), err
}

// ExecuteRename renames (and optionally moves) the entry. The reported code
// is the session's last recorded result.
func ExecuteRename(ctx context.Context, s *ldapsession.Session, rec *Record) (uint16, error) {
	req, err := BuildRename(rec.DN, rec.Mods)
	if err != nil {
		return ldap.LDAPResultParamError, err
	}

	fields := executorFields(s, rec)
	fields["new_rdn"] = req.NewRDN
	fields["delete_old_rdn"] = req.DeleteOldRDN
	tflog.SubsystemDebug(ctx, ldapsession.SubsystemReplica, "Replicating modrdn", fields)
	ldapsession.DumpModifyDNRequest(ctx, ldapsession.SubsystemReplica, req)

	err = s.Conn().ModifyDN(req)
	s.RecordResult(err)
	return s.LastResultCode(), err
}

// unknownChangeTypeError reports a record whose change type has no executor.
func unknownChangeTypeError(rec *Record) error {
	return fmt.Errorf("unknown change type %q for %q", rec.ChangeTag(), rec.DN)
}
