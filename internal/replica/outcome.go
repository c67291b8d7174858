package replica

import (
	"github.com/go-ldap/ldap/v3"

	ldapsession "github.com/isometry/ldap-replicator/internal/ldap"
)

// Status is the caller-facing classification of a replication attempt.
type Status int

const (
	// StatusOK means the change was applied.
	StatusOK Status = iota
	// StatusRetryable means the replica could not be reached or bound;
	// the same record may succeed later.
	StatusRetryable
	// StatusFatal means the record can never be applied as-is.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRetryable:
		return "retryable"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of Dispatcher.Replicate.
type Outcome struct {
	Status  Status
	Message string
	// Code is the last LDAP result code seen, when an operation ran.
	Code uint16
}

// OK reports whether the change was applied.
func (o Outcome) OK() bool {
	return o.Status == StatusOK
}

// Classify maps an executor result code to a Status. Server-down codes are
// Retryable: the dispatcher rebinds and tries again while attempts remain.
func Classify(code uint16) Status {
	switch {
	case code == ldap.LDAPResultSuccess:
		return StatusOK
	case ldapsession.IsServerDown(code):
		return StatusRetryable
	default:
		return StatusFatal
	}
}
