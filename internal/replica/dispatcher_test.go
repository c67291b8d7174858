package replica

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-replicator/internal/ldap/ldaptest"
)

// recordingObserver counts dispatcher events.
type recordingObserver struct {
	binds       int
	bindErrs    int
	rebinds     int
	outcomes    []Status
	lastType    ChangeType
	lastReplica string
}

func (o *recordingObserver) ObserveBind(_ string, err error) {
	o.binds++
	if err != nil {
		o.bindErrs++
	}
}

func (o *recordingObserver) ObserveRebind(string) {
	o.rebinds++
}

func (o *recordingObserver) ObserveOutcome(replica string, changeType ChangeType, status Status, _ time.Duration) {
	o.outcomes = append(o.outcomes, status)
	o.lastType = changeType
	o.lastReplica = replica
}

func addRecord() *Record {
	return &Record{
		DN:         testDN,
		ChangeType: ChangeTypeAdd,
		Tag:        "add",
		Mods:       []ModItem{Item("objectClass", "person"), Item("cn", "John Doe")},
	}
}

func TestDispatcher_ServerDownThenSuccess(t *testing.T) {
	tests := []struct {
		name string
		code uint16
	}{
		{name: "server down result", code: ldap.LDAPResultServerDown},
		{name: "connection lost", code: ldap.ErrorNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := boundConn()
			first.On("Add", mock.Anything).Return(ldaptest.ResultError(tt.code, "connection closed")).Once()

			second := boundConn()
			second.On("Add", mock.Anything).Return(nil).Once()

			queue := &connQueue{conns: []*ldaptest.MockConn{first, second}}
			observer := &recordingObserver{}
			dispatcher := NewDispatcher(newTestSession(queue), WithObserver(observer))

			out := dispatcher.Replicate(context.Background(), addRecord())

			assert.True(t, out.OK(), out.Message)
			assert.Equal(t, StatusOK, out.Status)
			assert.Equal(t, 2, queue.dials)
			assert.Equal(t, 1, observer.rebinds)
			assert.Equal(t, 2, observer.binds)

			// Each attempt ran on its own connection.
			first.AssertNumberOfCalls(t, "Add", 1)
			second.AssertNumberOfCalls(t, "Add", 1)
			first.AssertCalled(t, "Unbind")
			assert.Same(t, second, dispatcher.Session().Conn())
			assert.NotSame(t, first, dispatcher.Session().Conn())

			assert.Equal(t, []Status{StatusOK}, observer.outcomes)
			assert.Equal(t, ChangeTypeAdd, observer.lastType)
			assert.Equal(t, "replica1", observer.lastReplica)
		})
	}
}

func TestDispatcher_ServerDownTwiceIsFatal(t *testing.T) {
	first := boundConn()
	first.On("Modify", mock.Anything).Return(ldaptest.ResultError(ldap.LDAPResultServerDown, "server down")).Once()
	second := boundConn()
	second.On("Modify", mock.Anything).Return(ldaptest.ResultError(ldap.LDAPResultServerDown, "server down")).Once()

	queue := &connQueue{conns: []*ldaptest.MockConn{first, second}}
	observer := &recordingObserver{}
	dispatcher := NewDispatcher(newTestSession(queue), WithObserver(observer))

	out := dispatcher.Replicate(context.Background(), &Record{
		DN:         testDN,
		ChangeType: ChangeTypeModify,
		Mods:       []ModItem{Item(ItemReplace, "cn"), Item("cn", "John")},
	})

	assert.Equal(t, StatusFatal, out.Status)
	assert.Equal(t, uint16(ldap.LDAPResultServerDown), out.Code)
	assert.Contains(t, out.Message, "server down after 2 attempts")
	assert.Contains(t, out.Message, testDN)
	assert.Contains(t, out.Message, "ldap1.example.com:389")
	assert.Equal(t, 2, queue.dials)
	assert.Equal(t, MaxAttempts, observer.rebinds)
}

func TestDispatcher_PermissionDeniedIsFatal(t *testing.T) {
	conn := boundConn()
	conn.On("Modify", mock.Anything).
		Return(ldaptest.ResultError(ldap.LDAPResultInsufficientAccessRights, "no write access")).Once()

	queue := &connQueue{conns: []*ldaptest.MockConn{conn}}
	observer := &recordingObserver{}
	dispatcher := NewDispatcher(newTestSession(queue), WithObserver(observer))

	out := dispatcher.Replicate(context.Background(), &Record{
		DN:         testDN,
		ChangeType: ChangeTypeModify,
		Mods:       []ModItem{Item(ItemAdd, "mail"), Item("mail", "jdoe@example.com")},
	})

	assert.Equal(t, StatusFatal, out.Status)
	assert.Equal(t, uint16(ldap.LDAPResultInsufficientAccessRights), out.Code)
	assert.Contains(t, out.Message, testDN)
	assert.Contains(t, out.Message, "ldap1.example.com:389")
	assert.Contains(t, out.Message, "no write access")

	conn.AssertNumberOfCalls(t, "Modify", 1)
	conn.AssertNotCalled(t, "Unbind")
	assert.Equal(t, 1, queue.dials)
	assert.Zero(t, observer.rebinds)
	assert.True(t, dispatcher.Session().IsBound(), "session stays bound after an application error")
}

// rejectingConn refuses the replicator's credentials.
func rejectingConn() *ldaptest.MockConn {
	conn := ldaptest.NewLiveConn()
	conn.On("Bind", mock.Anything, mock.Anything).
		Return(ldaptest.ResultError(ldap.LDAPResultInvalidCredentials, "invalid credentials"))
	return conn
}

func TestDispatcher_BindFailureIsRetryable(t *testing.T) {
	tests := []struct {
		name    string
		conns   []*ldaptest.MockConn
		dialErr error
		code    uint16
	}{
		{
			name:  "credentials rejected",
			conns: []*ldaptest.MockConn{rejectingConn()},
			code:  ldap.LDAPResultInvalidCredentials,
		},
		{
			name:    "server unreachable",
			dialErr: ldap.NewError(ldap.ErrorNetwork, errors.New("dial tcp: connection refused")),
			code:    ldap.ErrorNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &connQueue{conns: append([]*ldaptest.MockConn(nil), tt.conns...), err: tt.dialErr}
			observer := &recordingObserver{}
			dispatcher := NewDispatcher(newTestSession(queue), WithObserver(observer))

			out := dispatcher.Replicate(context.Background(), addRecord())

			assert.Equal(t, StatusRetryable, out.Status)
			assert.Equal(t, tt.code, out.Code)
			assert.Contains(t, out.Message, "cannot bind")
			assert.Contains(t, out.Message, testDN)
			assert.Equal(t, 1, queue.dials, "no second bind within one call")
			assert.Equal(t, 1, observer.bindErrs)
			assert.False(t, dispatcher.Session().IsBound())

			for _, conn := range tt.conns {
				conn.AssertNotCalled(t, "Add", mock.Anything)
			}
		})
	}
}

func TestDispatcher_UnknownChangeType(t *testing.T) {
	conn := boundConn()
	queue := &connQueue{conns: []*ldaptest.MockConn{conn}}
	dispatcher := NewDispatcher(newTestSession(queue))

	out := dispatcher.Replicate(context.Background(), &Record{
		DN:         testDN,
		ChangeType: ParseChangeType("replace"),
		Tag:        "replace",
	})

	assert.Equal(t, StatusFatal, out.Status)
	assert.Contains(t, out.Message, `unknown change type "replace"`)
	assert.Contains(t, out.Message, testDN)
	conn.AssertCalled(t, "Bind", mock.Anything, mock.Anything)
	conn.AssertNotCalled(t, "Add", mock.Anything)
	conn.AssertNotCalled(t, "Modify", mock.Anything)
	conn.AssertNotCalled(t, "Del", mock.Anything)
	conn.AssertNotCalled(t, "ModifyDN", mock.Anything)
}

func TestDispatcher_MalformedRecordIsFatal(t *testing.T) {
	conn := boundConn()
	queue := &connQueue{conns: []*ldaptest.MockConn{conn}}
	dispatcher := NewDispatcher(newTestSession(queue))

	out := dispatcher.Replicate(context.Background(), &Record{DN: testDN, ChangeType: ChangeTypeAdd})

	assert.Equal(t, StatusFatal, out.Status)
	assert.Equal(t, uint16(ldap.LDAPResultParamError), out.Code)
	assert.Contains(t, out.Message, "no modifications to do")
	conn.AssertNotCalled(t, "Add", mock.Anything)
}

func TestDispatcher_ReusesBoundSession(t *testing.T) {
	conn := boundConn()
	conn.On("Del", mock.Anything).Return(nil).Twice()

	queue := &connQueue{conns: []*ldaptest.MockConn{conn}}
	dispatcher := NewDispatcher(newTestSession(queue))

	rec := &Record{DN: testDN, ChangeType: ChangeTypeDelete}
	require.True(t, dispatcher.Replicate(context.Background(), rec).OK())
	require.True(t, dispatcher.Replicate(context.Background(), rec).OK())

	assert.Equal(t, 1, queue.dials)
	conn.AssertNumberOfCalls(t, "Bind", 1)
}

func TestDispatcher_NilRecord(t *testing.T) {
	dispatcher := NewDispatcher(newTestSession(&connQueue{}))
	out := dispatcher.Replicate(context.Background(), nil)
	assert.Equal(t, StatusFatal, out.Status)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code     uint16
		expected Status
	}{
		{ldap.LDAPResultSuccess, StatusOK},
		{ldap.LDAPResultServerDown, StatusRetryable},
		{ldap.ErrorNetwork, StatusRetryable},
		{ldap.LDAPResultUnavailable, StatusFatal},
		{ldap.LDAPResultInsufficientAccessRights, StatusFatal},
		{ldap.LDAPResultParamError, StatusFatal},
	}

	for _, tt := range tests {
		t.Run(ldap.LDAPResultCodeMap[tt.code], func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.code))
		})
	}
}
