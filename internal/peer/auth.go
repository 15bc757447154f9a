package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a link token is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// tokenTTL bounds how long a link token is accepted.
const tokenTTL = 5 * time.Minute

// APIAudience is the audience of tokens presented to an engine's HTTP API.
// Link tokens carry the network name instead.
const APIAudience = "engine-api"

// IssueToken signs a short-lived token naming engineID as a member of network.
func IssueToken(secret, engineID, network string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": engineID,
		"aud": network,
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing link token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a link token for network and returns the engine ID it names.
func VerifyToken(secret, tokenString, network string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithAudience(network), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return sub, nil
}
