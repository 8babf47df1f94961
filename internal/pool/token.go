package pool

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// TokenService mints and validates session-scoped bearer tokens.
//
// Tokens are stateless: base64url(sessionID) + "." + base64url(HMAC-SHA256).
// Validation does not consult the registry, so a token can still be
// classified precisely (valid-but-terminated vs garbage) while its session
// is being torn down.
type TokenService struct {
	secret []byte
}

// NewTokenService derives the signing secret from the master token so a
// restart with the same configuration keeps previously minted tokens valid.
func NewTokenService(masterToken string) *TokenService {
	sum := sha256.Sum256([]byte("forge-session-token:" + masterToken))
	return &TokenService{secret: sum[:]}
}

// Mint returns a session-scoped token bound to the given session ID.
// Tokens are minted exactly once per session and never reused.
func (t *TokenService) Mint(sessionID string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(sessionID))
	return payload + "." + t.sign(payload)
}

// Validate checks the signature and returns the embedded session ID.
func (t *TokenService) Validate(token string) (string, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	if !hmac.Equal([]byte(t.sign(payload)), []byte(sig)) {
		return "", fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: bad payload", ErrInvalidToken)
	}
	return string(raw), nil
}

func (t *TokenService) sign(payload string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// SecureCompare reports whether two credentials match in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewChildToken generates the random bearer credential a spawned child
// executor requires on its local control surface.
func NewChildToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
