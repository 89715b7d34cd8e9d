// Package secret persists session state such as the API bearer token.
package secret

// Store holds small sensitive values. Get returns nil and no error for a
// missing key.
type Store interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// SessionTokenKey is the key under which the bearer token is persisted.
const SessionTokenKey = "session_token"

// SessionTokens reads the bearer token from a Store on every call, so a
// token set from another process is picked up without a restart.
type SessionTokens struct {
	Store Store
}

// Token returns the persisted token, or "" when none is set.
func (s SessionTokens) Token() (string, error) {
	if s.Store == nil {
		return "", nil
	}
	b, err := s.Store.Get(SessionTokenKey)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SetToken persists token; an empty token clears it.
func (s SessionTokens) SetToken(token string) error {
	if token == "" {
		return s.Store.Delete(SessionTokenKey)
	}
	return s.Store.Set(SessionTokenKey, []byte(token))
}
