package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapsession "github.com/isometry/ldap-replicator/internal/ldap"
)

// MaxAttempts bounds how often one record is tried within a single
// Replicate call. Only server-down results consume an extra attempt.
const MaxAttempts = 2

// Observer receives replication events, typically to update metrics.
type Observer interface {
	ObserveBind(replica string, err error)
	ObserveRebind(replica string)
	ObserveOutcome(replica string, changeType ChangeType, status Status, elapsed time.Duration)
}

// Dispatcher replicates records to the replica behind one Session.
// It is not safe for concurrent use.
type Dispatcher struct {
	session  *ldapsession.Session
	observer Observer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithObserver registers o for replication events.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// NewDispatcher creates a dispatcher using session.
func NewDispatcher(session *ldapsession.Session, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{session: session}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Session returns the dispatcher's session.
func (d *Dispatcher) Session() *ldapsession.Session {
	return d.session
}

// IsBound reports whether the dispatcher's session is bound.
func (d *Dispatcher) IsBound() bool {
	return d.session.IsBound()
}

func (d *Dispatcher) replicaName() string {
	if cfg := d.session.Config(); cfg != nil && cfg.Name != "" {
		return cfg.Name
	}
	return d.session.Endpoint()
}

// Replicate applies rec to the replica and classifies the result.
//
// The session is bound first if needed; a bind failure is Retryable. A
// server-down result drops the connection and the record is tried again, up
// to MaxAttempts times in total. Any other failure is Fatal.
func (d *Dispatcher) Replicate(ctx context.Context, rec *Record) Outcome {
	start := time.Now()
	ctx = tflog.SubsystemSetField(ctx, ldapsession.SubsystemReplica, "execution_id", uuid.NewString())

	if rec == nil {
		return Outcome{Status: StatusFatal, Message: "no change record"}
	}

	out := d.replicate(ctx, rec)

	fields := map[string]any{
		"replica":     d.replicaName(),
		"dn":          rec.DN,
		"change_type": rec.ChangeTag(),
		"outcome":     out.Status.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	switch out.Status {
	case StatusOK:
		tflog.SubsystemDebug(ctx, ldapsession.SubsystemReplica, "Change replicated", fields)
	case StatusRetryable:
		fields["message"] = out.Message
		tflog.SubsystemWarn(ctx, ldapsession.SubsystemReplica, "Change not replicated, retryable", fields)
	default:
		fields["message"] = out.Message
		tflog.SubsystemError(ctx, ldapsession.SubsystemReplica, "Change rejected", fields)
	}

	if d.observer != nil {
		d.observer.ObserveOutcome(d.replicaName(), rec.ChangeType, out.Status, time.Since(start))
	}

	return out
}

func (d *Dispatcher) replicate(ctx context.Context, rec *Record) Outcome {
	endpoint := d.session.Endpoint()
	var lastCode uint16

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if !d.session.IsBound() {
			err := d.session.EnsureBound(ctx)
			if d.observer != nil {
				d.observer.ObserveBind(d.replicaName(), err)
			}
			if err != nil {
				return Outcome{
					Status:  StatusRetryable,
					Message: fmt.Sprintf("replica %s: cannot bind to replicate %q: %v", endpoint, rec.DN, err),
					Code:    ldapsession.ResultCode(err),
				}
			}
		}

		execute := executorFor(rec.ChangeType)
		if execute == nil {
			tflog.SubsystemError(ctx, ldapsession.SubsystemReplica, "Unknown change type", map[string]any{
				"endpoint":    endpoint,
				"dn":          rec.DN,
				"change_type": rec.ChangeTag(),
			})
			return Outcome{
				Status:  StatusFatal,
				Message: fmt.Sprintf("replica %s: %v", endpoint, unknownChangeTypeError(rec)),
			}
		}

		code, err := execute(ctx, d.session, rec)
		lastCode = code

		switch Classify(code) {
		case StatusOK:
			return Outcome{Status: StatusOK, Code: code}

		case StatusRetryable:
			fields := map[string]any{
				"endpoint":         endpoint,
				"dn":               rec.DN,
				"attempt":          attempt,
				"max_attempts":     MaxAttempts,
				"ldap_result_code": code,
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			tflog.SubsystemWarn(ctx, ldapsession.SubsystemReplica, "Replica connection lost, rebinding", fields)

			_ = d.session.Unbind(ctx)
			if d.observer != nil {
				d.observer.ObserveRebind(d.replicaName())
			}

		default:
			ldapErr := ldapsession.NewLDAPError(rec.ChangeType.String(), rec.DN, endpoint, code, err)
			ldapsession.LogLDAPError(ctx, ldapsession.SubsystemReplica, rec.ChangeType.String(), ldapErr, map[string]any{
				"endpoint": endpoint,
				"dn":       rec.DN,
			})
			return Outcome{Status: StatusFatal, Message: ldapErr.Error(), Code: code}
		}
	}

	return Outcome{
		Status:  StatusFatal,
		Message: fmt.Sprintf("replica %s: server down after %d attempts replicating %q", endpoint, MaxAttempts, rec.DN),
		Code:    lastCode,
	}
}
