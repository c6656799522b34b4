package authority

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken covers every recent-auth token failure: bad signature,
// expiry, wrong algorithm, missing claims.
var ErrInvalidToken = errors.New("invalid recent-auth token")

// recentAuthClaims is the payload of a recent-auth JWT. Subject is the
// user id; TagUID binds the token to the authenticated tag so it cannot
// authorize a different card.
type recentAuthClaims struct {
	TagUID string `json:"tag_uid"`
	jwt.RegisteredClaims
}

// issueRecentAuthToken signs a token proving a recent full tag
// authentication.
func issueRecentAuthToken(secret []byte, userID, tagUID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := recentAuthClaims{
		TagUID: tagUID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing recent-auth token: %w", err)
	}
	return signed, nil
}

// verifyRecentAuthToken validates a token and returns its bindings.
func verifyRecentAuthToken(secret []byte, token string) (userID, tagUID string, err error) {
	claims := &recentAuthClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.TagUID == "" {
		return "", "", fmt.Errorf("%w: missing subject or tag binding", ErrInvalidToken)
	}
	return claims.Subject, claims.TagUID, nil
}
