package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the signature does not validate or the
	// token structure cannot be decoded.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for correctly signed tokens whose expiry has
	// passed.
	ErrTokenExpired = errors.New("token expired")
)

// Claims bind a capability token to exactly one file id.
type Claims struct {
	jwt.RegisteredClaims
	FileID string `json:"id"`
}

// Issuer creates and verifies signed download capability tokens. A token is a
// bearer capability: anyone holding the raw string can download the bound file
// until expiry. There is no revocation list.
type Issuer struct {
	secret []byte
	ttl    time.Duration

	now func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

// Issue signs a token binding the given file id, expiring after the
// configured TTL. The caller must have confirmed the id resolves upstream
// before issuing.
func (i *Issuer) Issue(fileID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(i.now().Add(i.ttl)),
		},
		FileID: fileID,
	})

	return token.SignedString(i.secret)
}

// Verify validates the token and returns the bound file id. The signature is
// checked before any claim is trusted, so a tampered expiry never passes.
func (i *Issuer) Verify(tokenString string) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}

		return "", ErrInvalidToken
	}

	if !token.Valid || claims.FileID == "" {
		return "", ErrInvalidToken
	}

	return claims.FileID, nil
}
