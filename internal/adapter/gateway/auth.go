package gateway

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agentmesh/internal/domain"
)

// Principal identifies an authenticated connection.
type Principal struct {
	Name  string
	Roles []string
}

// Authenticator validates node credentials before any other frame is
// processed.
type Authenticator interface {
	Authenticate(payload AuthPayload) (*Principal, error)
}

// TokenEntry pairs a static token with its principal.
type TokenEntry struct {
	Token string
	Name  string
	Roles []string
}

type staticEntry struct {
	token     []byte
	principal *Principal
}

// StaticTokenAuth authenticates against a static token list using
// constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []staticEntry
}

var _ Authenticator = (*StaticTokenAuth)(nil)

// NewStaticTokenAuth builds an authenticator from token entries.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]staticEntry, len(entries))}
	for i, e := range entries {
		a.entries[i] = staticEntry{
			token:     []byte(e.Token),
			principal: &Principal{Name: e.Name, Roles: e.Roles},
		}
	}
	return a
}

// Authenticate returns the principal for a valid token.
func (s *StaticTokenAuth) Authenticate(payload AuthPayload) (*Principal, error) {
	tokenBytes := []byte(payload.Token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.principal, nil
		}
	}
	return nil, domain.ErrAuthInvalid
}

// DeviceTokenAuth verifies signed device tokens of the form
// "name.expiryUnix.signature" where signature is base64url Ed25519 over
// "name.expiryUnix".
type DeviceTokenAuth struct {
	pub ed25519.PublicKey
	now func() time.Time
}

var _ Authenticator = (*DeviceTokenAuth)(nil)

// NewDeviceTokenAuth creates a verifier for the given public key.
func NewDeviceTokenAuth(pub ed25519.PublicKey) *DeviceTokenAuth {
	return &DeviceTokenAuth{pub: pub, now: time.Now}
}

// SignDeviceToken mints a token for tests and provisioning tools.
func SignDeviceToken(priv ed25519.PrivateKey, name string, expiry time.Time) string {
	base := fmt.Sprintf("%s.%d", name, expiry.Unix())
	sig := ed25519.Sign(priv, []byte(base))
	return base + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// Authenticate verifies the token signature and expiry.
func (d *DeviceTokenAuth) Authenticate(payload AuthPayload) (*Principal, error) {
	parts := strings.Split(payload.DeviceToken, ".")
	if len(parts) != 3 {
		return nil, domain.WrapOp("device token", domain.ErrAuthInvalid)
	}
	name, expiryStr, sigStr := parts[0], parts[1], parts[2]

	expiryUnix, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return nil, domain.WrapOp("device token expiry", domain.ErrAuthInvalid)
	}
	if d.now().After(time.Unix(expiryUnix, 0)) {
		return nil, domain.NewDomainError("DeviceTokenAuth", domain.ErrAuthInvalid, "token expired")
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigStr)
	if err != nil {
		return nil, domain.WrapOp("device token signature", domain.ErrAuthInvalid)
	}
	base := name + "." + expiryStr
	if !ed25519.Verify(d.pub, []byte(base), sig) {
		return nil, domain.NewDomainError("DeviceTokenAuth", domain.ErrAuthInvalid, "bad signature")
	}
	return &Principal{Name: name}, nil
}

// MultiAuth tries device tokens first, then static tokens, matching the
// credential the client actually supplied.
type MultiAuth struct {
	static *StaticTokenAuth
	device *DeviceTokenAuth
}

var _ Authenticator = (*MultiAuth)(nil)

// NewMultiAuth combines authenticators; either may be nil.
func NewMultiAuth(static *StaticTokenAuth, device *DeviceTokenAuth) *MultiAuth {
	return &MultiAuth{static: static, device: device}
}

// Authenticate dispatches on which credential is present.
func (m *MultiAuth) Authenticate(payload AuthPayload) (*Principal, error) {
	if payload.DeviceToken != "" && m.device != nil {
		return m.device.Authenticate(payload)
	}
	if payload.Token != "" && m.static != nil {
		return m.static.Authenticate(payload)
	}
	return nil, domain.ErrAuthInvalid
}
