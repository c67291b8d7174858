// Package ldaptest provides test doubles for LDAP connections.
package ldaptest

import (
	"errors"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/mock"
)

// MockConn is a testify mock of a go-ldap connection.
type MockConn struct {
	mock.Mock
}

func (m *MockConn) Bind(username, password string) error {
	args := m.Called(username, password)
	return args.Error(0)
}

func (m *MockConn) UnauthenticatedBind(username string) error {
	args := m.Called(username)
	return args.Error(0)
}

func (m *MockConn) GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error {
	args := m.Called(client, servicePrincipal, authzid)
	return args.Error(0)
}

func (m *MockConn) Unbind() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockConn) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockConn) IsClosing() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockConn) SetTimeout(timeout time.Duration) {
	m.Called(timeout)
}

func (m *MockConn) Add(req *ldap.AddRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *MockConn) Modify(req *ldap.ModifyRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *MockConn) Del(req *ldap.DelRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *MockConn) ModifyDN(req *ldap.ModifyDNRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *MockConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	args := m.Called(req)
	if result := args.Get(0); result != nil {
		if searchResult, ok := result.(*ldap.SearchResult); ok {
			return searchResult, args.Error(1)
		}
	}
	return nil, args.Error(1)
}

// NewLiveConn returns a MockConn that accepts the housekeeping calls made on
// every connection (timeout, liveness checks and teardown).
func NewLiveConn() *MockConn {
	m := &MockConn{}
	m.On("SetTimeout", mock.Anything).Maybe()
	m.On("IsClosing").Return(false).Maybe()
	m.On("Unbind").Return(nil).Maybe()
	m.On("Close").Return(nil).Maybe()
	return m
}

// ResultError builds the error go-ldap returns for a non-success result.
func ResultError(code uint16, msg string) error {
	return ldap.NewError(code, errors.New(msg))
}

// FakeGSSAPIClient satisfies ldap.GSSAPIClient without a KDC.
type FakeGSSAPIClient struct {
	Principal string
	Deleted   bool
}

func (c *FakeGSSAPIClient) InitSecContext(string, []byte) ([]byte, bool, error) {
	return nil, false, nil
}

func (c *FakeGSSAPIClient) InitSecContextWithOptions(string, []byte, []int) ([]byte, bool, error) {
	return nil, false, nil
}

func (c *FakeGSSAPIClient) NegotiateSaslAuth([]byte, string) ([]byte, error) {
	return nil, nil
}

func (c *FakeGSSAPIClient) DeleteSecContext() error {
	c.Deleted = true
	return nil
}
