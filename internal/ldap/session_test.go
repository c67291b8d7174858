package ldap

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

// scriptedDialer hands out connections in order.
type scriptedDialer struct {
	conns []Conn
	err   error
	dials int
}

func (d *scriptedDialer) dial(_ context.Context, _ *ReplicaConfig) (Conn, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more scripted connections")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func testReplicaConfig() *ReplicaConfig {
	cfg := DefaultReplicaConfig()
	cfg.Name = "replica1"
	cfg.Host = "ldap1.example.com"
	cfg.Port = 389
	cfg.BindDN = "cn=replicator,dc=example,dc=com"
	cfg.Password = "secret"
	return cfg
}

func TestSession_EnsureBound_SimpleBind(t *testing.T) {
	ctx := context.Background()
	cfg := testReplicaConfig()

	conn := ldaptest.NewLiveConn()
	conn.On("Bind", cfg.BindDN, cfg.Password).Return(nil).Once()

	dialer := &scriptedDialer{conns: []Conn{conn}}
	session := NewSession(cfg, WithDialer(dialer.dial))

	require.NoError(t, session.EnsureBound(ctx))
	assert.True(t, session.IsBound())
	assert.Same(t, conn, session.Conn())
	assert.Equal(t, uint16(ldap.LDAPResultSuccess), session.LastResultCode())

	// A live session is reused without dialing or binding again.
	require.NoError(t, session.EnsureBound(ctx))
	assert.Equal(t, 1, dialer.dials)

	conn.AssertCalled(t, "SetTimeout", 30*time.Second)
	conn.AssertExpectations(t)
}

func TestSession_EnsureBound_ReplacesStaleConnection(t *testing.T) {
	ctx := context.Background()
	cfg := testReplicaConfig()

	stale := &ldaptest.MockConn{}
	stale.On("SetTimeout", mock.Anything).Maybe()
	stale.On("Bind", cfg.BindDN, cfg.Password).Return(nil).Once()
	stale.On("IsClosing").Return(false).Once()
	stale.On("IsClosing").Return(true)
	stale.On("Unbind").Return(ldap.ErrConnUnbound).Once()
	stale.On("Close").Return(nil).Once()

	fresh := ldaptest.NewLiveConn()
	fresh.On("Bind", cfg.BindDN, cfg.Password).Return(nil).Once()

	dialer := &scriptedDialer{conns: []Conn{stale, fresh}}
	session := NewSession(cfg, WithDialer(dialer.dial))

	require.NoError(t, session.EnsureBound(ctx))
	require.True(t, session.IsBound())

	// Transport has since dropped the first connection.
	require.NoError(t, session.EnsureBound(ctx))
	assert.Same(t, fresh, session.Conn())
	assert.Equal(t, 2, dialer.dials)

	stale.AssertExpectations(t)
	fresh.AssertExpectations(t)
}

func TestSession_EnsureBound_OpenFailure(t *testing.T) {
	cfg := testReplicaConfig()
	dialer := &scriptedDialer{err: ldap.NewError(ldap.ErrorNetwork, errors.New("connection refused"))}
	session := NewSession(cfg, WithDialer(dialer.dial))

	err := session.EnsureBound(context.Background())
	require.Error(t, err)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, BindErrOpen, bindErr.Kind)
	assert.Equal(t, "ldap1.example.com:389", bindErr.Endpoint)
	assert.False(t, session.IsBound())
	assert.Nil(t, session.Conn())
}

func TestSession_EnsureBound_SimpleBindRejected(t *testing.T) {
	cfg := testReplicaConfig()

	conn := &ldaptest.MockConn{}
	conn.On("SetTimeout", mock.Anything)
	conn.On("Bind", cfg.BindDN, cfg.Password).
		Return(ldaptest.ResultError(ldap.LDAPResultInvalidCredentials, "invalid credentials")).Once()
	conn.On("Close").Return(nil).Once()

	session := NewSession(cfg, WithDialer((&scriptedDialer{conns: []Conn{conn}}).dial))

	err := session.EnsureBound(context.Background())
	require.Error(t, err)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, BindErrSimpleFailed, bindErr.Kind)
	assert.Equal(t, uint16(ldap.LDAPResultInvalidCredentials), bindErr.ResultCode)
	assert.Contains(t, err.Error(), "ldap1.example.com:389")
	assert.False(t, session.IsBound())
	assert.Equal(t, uint16(ldap.LDAPResultInvalidCredentials), session.LastResultCode())

	conn.AssertExpectations(t)
}

func TestSession_EnsureBound_UnknownAuthMethod(t *testing.T) {
	cfg := testReplicaConfig()
	cfg.BindMethod = AuthMethod(42)

	dialer := &scriptedDialer{err: errors.New("dial must not happen")}
	session := NewSession(cfg, WithDialer(dialer.dial))

	err := session.EnsureBound(context.Background())

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, BindErrBadAuthType, bindErr.Kind)
	assert.Equal(t, 0, dialer.dials)
	assert.False(t, session.IsBound())
}

func TestSession_EnsureBound_NoConfig(t *testing.T) {
	session := NewSession(nil)

	err := session.EnsureBound(context.Background())

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, BindErrBadSession, bindErr.Kind)
}

func TestSession_Unbind(t *testing.T) {
	tests := []struct {
		name      string
		unbindErr error
		wantErr   bool
		wantClose bool
	}{
		{
			name: "clean unbind",
		},
		{
			name:      "already closed by transport",
			unbindErr: ldap.ErrConnUnbound,
			wantClose: true,
		},
		{
			name:      "unbind fails",
			unbindErr: errors.New("write: broken pipe"),
			wantErr:   true,
			wantClose: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testReplicaConfig()

			conn := &ldaptest.MockConn{}
			conn.On("SetTimeout", mock.Anything)
			conn.On("IsClosing").Return(false).Maybe()
			conn.On("Bind", cfg.BindDN, cfg.Password).Return(nil)
			conn.On("Unbind").Return(tt.unbindErr).Once()
			if tt.wantClose {
				conn.On("Close").Return(nil).Once()
			}

			session := NewSession(cfg, WithDialer((&scriptedDialer{conns: []Conn{conn}}).dial))
			require.NoError(t, session.EnsureBound(context.Background()))

			err := session.Unbind(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			// The handle is cleared whatever the server said.
			assert.Nil(t, session.Conn())
			assert.False(t, session.IsBound())
			conn.AssertExpectations(t)

			// Unbinding an unbound session is a no-op.
			assert.NoError(t, session.Unbind(context.Background()))
		})
	}
}

func TestSession_Close(t *testing.T) {
	ctx := context.Background()
	cfg := testReplicaConfig()

	conn := ldaptest.NewLiveConn()
	conn.On("Bind", cfg.BindDN, cfg.Password).Return(nil).Once()

	session := NewSession(cfg, WithDialer((&scriptedDialer{conns: []Conn{conn}}).dial))
	require.NoError(t, session.EnsureBound(ctx))

	require.NoError(t, session.Close())
	assert.False(t, session.IsBound())
	conn.AssertCalled(t, "Close")
	conn.AssertNotCalled(t, "Unbind")

	assert.NoError(t, session.Close(), "closing an unbound session is a no-op")
}

func TestSession_RecordResult(t *testing.T) {
	session := NewSession(testReplicaConfig())

	assert.Equal(t, uint16(ldap.LDAPResultSuccess), session.RecordResult(nil))
	assert.Equal(t, uint16(ldap.LDAPResultNoSuchObject),
		session.RecordResult(ldaptest.ResultError(ldap.LDAPResultNoSuchObject, "no such object")))
	assert.Equal(t, uint16(ldap.LDAPResultNoSuchObject), session.LastResultCode())
}

func TestReplicaConfig_URL(t *testing.T) {
	tests := []struct {
		name string
		mode TLSMode
		port int
		want string
	}{
		{name: "plain", mode: TLSModeNone, port: 389, want: "ldap://ldap1.example.com:389"},
		{name: "starttls", mode: TLSModeStartTLS, port: 389, want: "ldap://ldap1.example.com:389"},
		{name: "ldaps", mode: TLSModeLDAPS, port: 636, want: "ldaps://ldap1.example.com:636"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testReplicaConfig()
			cfg.TLSMode = tt.mode
			cfg.Port = tt.port
			assert.Equal(t, tt.want, cfg.URL())
		})
	}
}

func TestParseAuthMethod(t *testing.T) {
	tests := []struct {
		input   string
		want    AuthMethod
		wantErr bool
	}{
		{input: "simple", want: AuthMethodSimpleBind},
		{input: "", want: AuthMethodSimpleBind},
		{input: "Kerberos", want: AuthMethodKerberos},
		{input: "gssapi", want: AuthMethodKerberos},
		{input: "ntlm", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAuthMethod(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTLSMode(t *testing.T) {
	tests := []struct {
		input   string
		want    TLSMode
		wantErr bool
	}{
		{input: "none", want: TLSModeNone},
		{input: "LDAPS", want: TLSModeLDAPS},
		{input: "starttls", want: TLSModeStartTLS},
		{input: "ssl", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTLSMode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
