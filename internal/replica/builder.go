package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapsession "github.com/isometry/ldap-replicator/internal/ldap"
)

// Errors returned by the request builders. Records failing with these are
// malformed and will never succeed on retry.
var (
	ErrNoModifications   = errors.New("no modifications to do")
	ErrNoArguments       = errors.New("no arguments given")
	ErrBadValue          = errors.New("bad value in replication log entry")
	ErrIncorrectArgument = errors.New("incorrect argument to deleteoldrdn")
	ErrMissingArgument   = errors.New(`missing argument: requires "newrdn" and "deleteoldrdn"`)
)

// UpdateOp is the operator of an UpdateGroup.
type UpdateOp int

const (
	UpdateAdd UpdateOp = iota
	UpdateReplace
	UpdateDelete
)

func (o UpdateOp) String() string {
	switch o {
	case UpdateAdd:
		return ItemAdd
	case UpdateReplace:
		return ItemReplace
	case UpdateDelete:
		return ItemDelete
	default:
		return "unknown"
	}
}

// UpdateGroup is one attribute change of a modify request.
type UpdateGroup struct {
	Op     UpdateOp
	Attr   string
	Values [][]byte
}

// BuildAdd turns items into an add request carrying one single-valued
// attribute per item, in order. Items for the same attribute are not merged.
func BuildAdd(dn string, items []ModItem) (*ldap.AddRequest, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("add %q: %w", dn, ErrNoModifications)
	}

	req := ldap.NewAddRequest(dn, nil)
	for _, item := range items {
		req.Attribute(item.Type, []string{string(item.Value)})
	}

	return req, nil
}

// modifyState is the position of the modify builder within an item list.
type modifyState int

const (
	stateAwaitingOp modifyState = iota
	stateInGroup
)

// operatorFor maps an operator item type to its UpdateOp.
func operatorFor(itemType string) (UpdateOp, bool) {
	switch itemType {
	case ItemAdd:
		return UpdateAdd, true
	case ItemReplace:
		return UpdateReplace, true
	case ItemDelete:
		return UpdateDelete, true
	default:
		return 0, false
	}
}

// buildModifyGroups groups a modify record's items into attribute changes.
//
// An operator item opens a group for the attribute named by its value, and
// "-" closes it. Within a group, items must name the group's attribute
// (case-insensitively); others are logged and skipped, as are attribute
// items seen outside any group.
func buildModifyGroups(ctx context.Context, dn string, items []ModItem) ([]UpdateGroup, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("modify %q: %w", dn, ErrNoArguments)
	}

	state := stateAwaitingOp
	groups := make([]UpdateGroup, 0, 4)
	current := -1

	for _, item := range items {
		if item.Type == ItemSeparator {
			state = stateAwaitingOp
			current = -1
			continue
		}

		if op, ok := operatorFor(item.Type); ok {
			groups = append(groups, UpdateGroup{Op: op, Attr: string(item.Value)})
			current = len(groups) - 1
			state = stateInGroup
			continue
		}

		switch state {
		case stateAwaitingOp:
			tflog.SubsystemWarn(ctx, ldapsession.SubsystemReplica, "Unknown modify item type, skipping", map[string]any{
				"dn":   dn,
				"type": item.Type,
			})

		case stateInGroup:
			group := &groups[current]
			if !strings.EqualFold(item.Type, group.Attr) {
				tflog.SubsystemWarn(ctx, ldapsession.SubsystemReplica, "Malformed modify item, skipping", map[string]any{
					"dn":        dn,
					"type":      item.Type,
					"value":     ldapsession.FormatValue(item.Type, string(item.Value)),
					"expecting": group.Attr,
				})
				continue
			}
			group.Values = append(group.Values, bytes.Clone(item.Value))
		}
	}

	kept := groups[:0]
	for _, g := range groups {
		switch {
		case g.Attr == "":
			tflog.SubsystemWarn(ctx, ldapsession.SubsystemReplica, "Modify group without attribute name, dropping", map[string]any{
				"dn": dn,
				"op": g.Op.String(),
			})
		case g.Op == UpdateAdd && len(g.Values) == 0:
			tflog.SubsystemWarn(ctx, ldapsession.SubsystemReplica, "Add group without values, dropping", map[string]any{
				"dn":   dn,
				"attr": g.Attr,
			})
		default:
			kept = append(kept, g)
		}
	}

	if len(kept) == 0 {
		return nil, fmt.Errorf("modify %q: no update groups: %w", dn, ErrNoArguments)
	}

	return kept, nil
}

// BuildModify turns a modify record's items into a modify request.
func BuildModify(ctx context.Context, dn string, items []ModItem) (*ldap.ModifyRequest, error) {
	groups, err := buildModifyGroups(ctx, dn, items)
	if err != nil {
		return nil, err
	}

	req := ldap.NewModifyRequest(dn, nil)
	for _, g := range groups {
		vals := make([]string, len(g.Values))
		for i, v := range g.Values {
			vals[i] = string(v)
		}

		switch g.Op {
		case UpdateAdd:
			req.Add(g.Attr, vals)
		case UpdateReplace:
			req.Replace(g.Attr, vals)
		case UpdateDelete:
			req.Delete(g.Attr, vals)
		}
	}

	return req, nil
}

// BuildRename turns a rename record's items into a modify DN request.
// Both newrdn and deleteoldrdn ("0" or "1") are required. The entry always
// stays under its current parent; any other token is rejected.
func BuildRename(dn string, items []ModItem) (*ldap.ModifyDNRequest, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("modrdn %q: %w", dn, ErrNoArguments)
	}

	var (
		newRDN       string
		deleteOldRDN bool
		gotRDN       bool
		gotFlag      bool
	)

	for _, item := range items {
		switch item.Type {
		case ItemNewRDN:
			newRDN = string(item.Value)
			gotRDN = true
		case ItemDeleteOldRDN:
			switch string(item.Value) {
			case "0":
				deleteOldRDN = false
			case "1":
				deleteOldRDN = true
			default:
				return nil, fmt.Errorf("modrdn %q: %q: %w", dn, item.Value, ErrIncorrectArgument)
			}
			gotFlag = true
		default:
			return nil, fmt.Errorf("modrdn %q: unexpected %q: %w", dn, item.Type, ErrBadValue)
		}
	}

	if !gotRDN || !gotFlag {
		return nil, fmt.Errorf("modrdn %q: %w", dn, ErrMissingArgument)
	}

	return ldap.NewModifyDNRequest(dn, newRDN, deleteOldRDN, ""), nil
}
