package core

import (
	"net/http"
	"sync"

	"carpoolhub/internal/types"
)

// MockAuthenticator returns a fixed Actor or error. Handler tests in other
// packages use it to stand in for the gateway.
//
//	auth := &MockAuthenticator{Actor: &types.Actor{ID: "u1", Type: types.ActorTypeMember, TenantID: "t1"}}
type MockAuthenticator struct {
	Actor *types.Actor
	Err   error

	// AuthenticateFunc, when set, takes precedence over Actor and Err.
	AuthenticateFunc func(r *http.Request) (*types.Actor, error)

	mu    sync.Mutex
	Calls int
}

// Authenticate implements Authenticator.
func (m *MockAuthenticator) Authenticate(r *http.Request) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()

	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(r)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}

var (
	_ Authenticator = (*MockAuthenticator)(nil)
	_ Authenticator = (*GatewayAuthenticator)(nil)
)
