package api

import (
	"errors"
	"slices"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

// clockSkew is tolerated on exp and nbf between issuer and server clocks.
const clockSkew = 30 * time.Second

// AuthConfig selects how bearer tokens are verified. A non-empty
// LocalSecret switches to HS256 tokens signed with that secret.
type AuthConfig struct {
	Audience    string
	Issuer      string
	LocalSecret string
}

// RoomClaims are the token claims the server reads. A rooms claim limits
// the token to the listed rooms.
type RoomClaims struct {
	jwt.RegisteredClaims
	Rooms []string `json:"rooms,omitempty"`
}

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	// Rooms the caller may use. Empty means every room.
	Rooms []string
}

// CanAccess reports whether p may read and edit room.
func (p Principal) CanAccess(room string) bool {
	return len(p.Rooms) == 0 || slices.Contains(p.Rooms, room)
}

// Auth verifies bearer tokens against an Auth0 JWKS, or against a shared
// secret for local deployments.
type Auth struct {
	jwks     *keyfunc.JWKS
	secret   []byte
	audience string
	issuer   string
	parser   *jwt.Parser
	now      func() time.Time
}

// NewAuth creates a verifier. jwks may be nil when cfg.LocalSecret is set.
func NewAuth(jwks *keyfunc.JWKS, cfg AuthConfig) *Auth {
	a := &Auth{jwks: jwks, audience: cfg.Audience, issuer: cfg.Issuer, now: time.Now}
	method := jwt.SigningMethodRS256.Alg()
	if cfg.LocalSecret != "" {
		a.secret = []byte(cfg.LocalSecret)
		method = jwt.SigningMethodHS256.Alg()
	}
	// Claims are checked by checkClaims, with clock skew.
	a.parser = jwt.NewParser(jwt.WithValidMethods([]string{method}), jwt.WithoutClaimsValidation())
	return a
}

// LocalMode reports whether tokens are verified with the shared secret.
func (a *Auth) LocalMode() bool { return a.secret != nil }

// Authenticate verifies the bearer token in an Authorization value.
func (a *Auth) Authenticate(header string) (Principal, error) {
	token, err := bearerTokenFromString(header)
	if err != nil {
		return Principal{}, err
	}
	var claims RoomClaims
	if _, err := a.parser.ParseWithClaims(token, &claims, a.key); err != nil {
		return Principal{}, err
	}
	if err := a.checkClaims(&claims); err != nil {
		return Principal{}, err
	}
	return Principal{UserID: claims.Subject, Rooms: claims.Rooms}, nil
}

func (a *Auth) checkClaims(c *RoomClaims) error {
	now := a.now()
	switch {
	case !c.VerifyExpiresAt(now.Add(-clockSkew), true):
		return errors.New("token expired")
	case !c.VerifyNotBefore(now.Add(clockSkew), false):
		return errors.New("token not valid yet")
	case a.audience != "" && !c.VerifyAudience(a.audience, true):
		return errors.New("invalid audience")
	case a.issuer != "" && !c.VerifyIssuer(a.issuer, true):
		return errors.New("invalid issuer")
	case c.Subject == "":
		return errors.New("missing sub")
	}
	return nil
}

// key resolves the verification key. The parser has already pinned the
// signing method to the mode's algorithm.
func (a *Auth) key(t *jwt.Token) (any, error) {
	if a.secret != nil {
		return a.secret, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}
	return a.jwks.Keyfunc(t)
}

// NoAuth accepts every request as the same anonymous user with access to
// every room.
type NoAuth struct{}

func (NoAuth) Authenticate(string) (Principal, error) {
	return Principal{UserID: "anonymous"}, nil
}
