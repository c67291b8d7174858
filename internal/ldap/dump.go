package ldap

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

const (
	guidBytesLength   = 16
	maxDumpValueBytes = 256
)

// sensitiveAttributes never have their values written to logs.
var sensitiveAttributes = map[string]bool{
	"userpassword":            true,
	"unicodepwd":              true,
	"clearpassword":           true,
	"krbprincipalkey":         true,
	"sambantpassword":         true,
	"sambalmpassword":         true,
	"supplementalcredentials": true,
}

// modifyOpNames maps go-ldap change operations to their LDIF keywords.
var modifyOpNames = map[uint]string{
	ldap.AddAttribute:     "add",
	ldap.DeleteAttribute:  "delete",
	ldap.ReplaceAttribute: "replace",
}

// FormatValue renders an attribute value for trace logs. Binary identifiers
// are decoded, other non-text values are shown as hex, and secrets are redacted.
func FormatValue(attr, value string) string {
	lower := strings.ToLower(attr)
	if sensitiveAttributes[lower] {
		return "[REDACTED]"
	}

	switch lower {
	case "objectguid":
		if len(value) == guidBytesLength {
			if s, err := guidBytesToString([]byte(value)); err == nil {
				return s
			}
		}
	case "objectsid":
		if s, ok := sidBytesToString([]byte(value)); ok {
			return s
		}
	}

	if isPrintable(value) {
		if len(value) > maxDumpValueBytes {
			cut := maxDumpValueBytes
			for cut > 0 && !utf8.RuneStart(value[cut]) {
				cut--
			}
			return value[:cut] + fmt.Sprintf("... (%d bytes)", len(value))
		}
		return value
	}

	b := []byte(value)
	if len(b) > maxDumpValueBytes {
		return fmt.Sprintf("<binary %d bytes: %s...>", len(b), hex.EncodeToString(b[:maxDumpValueBytes]))
	}
	return fmt.Sprintf("<binary %d bytes: %s>", len(b), hex.EncodeToString(b))
}

// DumpAddRequest writes the attributes of req to the trace log.
func DumpAddRequest(ctx context.Context, subsystem string, req *ldap.AddRequest) {
	for i, attr := range req.Attributes {
		tflog.SubsystemTrace(ctx, subsystem, "Add request attribute", map[string]any{
			"dn":     req.DN,
			"index":  i,
			"type":   attr.Type,
			"values": formatValues(attr.Type, attr.Vals),
		})
	}
}

// DumpModifyRequest writes the changes of req to the trace log.
func DumpModifyRequest(ctx context.Context, subsystem string, req *ldap.ModifyRequest) {
	for i, change := range req.Changes {
		op, ok := modifyOpNames[change.Operation]
		if !ok {
			op = fmt.Sprintf("op%d", change.Operation)
		}
		tflog.SubsystemTrace(ctx, subsystem, "Modify request change", map[string]any{
			"dn":        req.DN,
			"index":     i,
			"operation": op,
			"type":      change.Modification.Type,
			"values":    formatValues(change.Modification.Type, change.Modification.Vals),
		})
	}
}

// DumpModifyDNRequest writes req to the trace log.
func DumpModifyDNRequest(ctx context.Context, subsystem string, req *ldap.ModifyDNRequest) {
	fields := map[string]any{
		"dn":             req.DN,
		"new_rdn":        req.NewRDN,
		"delete_old_rdn": req.DeleteOldRDN,
	}
	if req.NewSuperior != "" {
		fields["new_superior"] = req.NewSuperior
	}
	tflog.SubsystemTrace(ctx, subsystem, "Modify DN request", fields)
}

func formatValues(attr string, vals []string) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = FormatValue(attr, v)
	}
	return out
}

func isPrintable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
		if r == 0x7f {
			return false
		}
	}
	return true
}

// guidBytesToString converts an objectGUID from Active Directory's
// mixed-endian layout to its canonical string form.
func guidBytesToString(guidBytes []byte) (string, error) {
	if len(guidBytes) != guidBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", guidBytesLength, len(guidBytes))
	}

	standard := make([]byte, guidBytesLength)

	// Data1, Data2 and Data3 are little-endian; Data4 is stored as-is.
	standard[0], standard[1], standard[2], standard[3] = guidBytes[3], guidBytes[2], guidBytes[1], guidBytes[0]
	standard[4], standard[5] = guidBytes[5], guidBytes[4]
	standard[6], standard[7] = guidBytes[7], guidBytes[6]
	copy(standard[8:], guidBytes[8:])

	u, err := uuid.FromBytes(standard)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// sidBytesToString decodes a binary objectSid, refusing malformed input.
func sidBytesToString(b []byte) (string, bool) {
	// revision(1) + sub-authority count(1) + authority(6) + 4 bytes per sub-authority
	if len(b) < 8 || b[0] != 1 || len(b) != 8+4*int(b[1]) {
		return "", false
	}
	sid := objectsid.Decode(b)
	return sid.String(), true
}
