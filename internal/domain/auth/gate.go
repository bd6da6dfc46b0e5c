// Package auth implements the proxy's single shared-token authentication
// gate: configured()/validate(token) over one optional secret, not a
// multi-identity key store.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// argon2idParams mirrors the OWASP minimum parameters used elsewhere in
// this codebase's auth domain (46 MiB memory floor, single iteration).
var argon2idParams = &argon2id.Params{
	Memory:      46 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Gate validates the optional shared auth token configured for the proxy.
// A zero-value Gate (no token, no hash) is "not configured" and accepts
// everything.
type Gate struct {
	token string // raw shared secret, compared constant-time
	hash  string // Argon2id PHC hash, mutually exclusive with token
}

// NewGate constructs a Gate from a raw shared token. Pass "" for no auth.
func NewGate(token string) *Gate {
	return &Gate{token: token}
}

// NewGateFromHash constructs a Gate from a pre-hashed token (Argon2id, PHC
// format), for deployments that don't want the plaintext secret in config.
func NewGateFromHash(hash string) *Gate {
	return &Gate{hash: hash}
}

// Configured reports whether a token or hash has been set.
func (g *Gate) Configured() bool {
	if g == nil {
		return false
	}
	return g.token != "" || g.hash != ""
}

// Validate checks a candidate token against the configured secret. Returns
// true if the Gate is not configured (auth disabled) or the token matches.
func (g *Gate) Validate(candidate string) bool {
	if !g.Configured() {
		return true
	}
	if g.hash != "" {
		match, err := safeArgon2idCompare(candidate, g.hash)
		return err == nil && match
	}
	return constantTimeEqual(candidate, g.token)
}

func constantTimeEqual(a, b string) bool {
	// Hash both sides to a fixed length first so ConstantTimeCompare never
	// short-circuits on differing input lengths.
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// HashToken returns an Argon2id PHC-format hash of token, suitable for the
// auth.token_hash config field.
func HashToken(token string) (string, error) {
	return argon2id.CreateHash(token, argon2idParams)
}

// LooksHashed reports whether s is in Argon2id PHC format, to help callers
// decide whether a config value is a raw token or a pre-hashed one.
func LooksHashed(s string) bool {
	return strings.HasPrefix(s, "$argon2id$")
}

func safeArgon2idCompare(candidate, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(candidate, storedHash)
}
