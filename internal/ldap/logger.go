package ldap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Logging subsystems used across the replicator.
const (
	SubsystemLDAP     = "ldap"
	SubsystemKerberos = "kerberos"
	SubsystemReplica  = "replica"
	SubsystemReplay   = "replay"
	SubsystemAdmin    = "admin"
)

// Subsystems lists every subsystem NewLoggingContext registers.
var Subsystems = []string{
	SubsystemLDAP,
	SubsystemKerberos,
	SubsystemReplica,
	SubsystemReplay,
	SubsystemAdmin,
}

// NewLoggingContext registers the replicator's logging subsystems on ctx.
// A subsystem logs at REPLICAD_LOG_<SUBSYSTEM> when set, otherwise at the
// root logger's level.
func NewLoggingContext(ctx context.Context) context.Context {
	for _, name := range Subsystems {
		ctx = tflog.NewSubsystem(ctx, name, tflog.WithLevelFromEnv("REPLICAD_LOG", name))
	}
	return ctx
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", fields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", fields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", fields)
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "connection_established", "authentication_success":
		tflog.SubsystemInfo(ctx, SubsystemLDAP, "Connection event", fields)
	case "connection_failed", "authentication_failed":
		tflog.SubsystemError(ctx, SubsystemLDAP, "Connection event", fields)
	case "connection_lost", "unbind_failed":
		tflog.SubsystemWarn(ctx, SubsystemLDAP, "Connection event", fields)
	case "connection_attempt", "authentication_attempt", "connection_closed":
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Connection event", fields)
	default:
		tflog.SubsystemTrace(ctx, SubsystemLDAP, "Connection event", fields)
	}
}

// LogKerberosEvent logs Kerberos-specific events.
func LogKerberosEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "ticket_acquired", "keytab_loaded", "principal_cached":
		tflog.SubsystemInfo(ctx, SubsystemKerberos, "Kerberos event", fields)
	case "ticket_acquisition_failed", "principal_lookup_failed", "authentication_failed":
		tflog.SubsystemError(ctx, SubsystemKerberos, "Kerberos event", fields)
	case "principal_resolved", "principal_candidates":
		tflog.SubsystemDebug(ctx, SubsystemKerberos, "Kerberos event", fields)
	default:
		tflog.SubsystemTrace(ctx, SubsystemKerberos, "Kerberos event", fields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	sensitiveKeys := map[string]bool{
		"password":     true,
		"passwd":       true,
		"secret":       true,
		"token":        true,
		"key":          true,
		"private_key":  true,
		"credential":   true,
		"credentials":  true,
		"userpassword": true,
		"unicodepwd":   true,
	}

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"key=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
