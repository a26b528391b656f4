package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller of a request: one device inside
// one family. Family membership is decided at token-issue time; the
// sync surface never crosses families.
type Identity struct {
	DeviceID string
	FamilyID string
}

type deviceClaims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"device_id"`
	FamilyID string `json:"family_id"`
}

// TokenVerifier validates bearer tokens minted by the account service.
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenVerifier creates a verifier for HS256 tokens signed with
// secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// Verify parses and validates a bearer token string.
func (v *TokenVerifier) Verify(token string) (Identity, error) {
	claims := &deviceClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if claims.DeviceID == "" || claims.FamilyID == "" {
		return Identity{}, errors.New("token missing device or family claim")
	}
	return Identity{DeviceID: claims.DeviceID, FamilyID: claims.FamilyID}, nil
}

// FromRequest extracts the identity from the Authorization header, or
// from the access_token query parameter for WebSocket clients that
// cannot set headers.
func (v *TokenVerifier) FromRequest(r *http.Request) (Identity, error) {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else if q := r.URL.Query().Get("access_token"); q != "" {
		token = q
	}
	if token == "" {
		return Identity{}, errors.New("missing bearer token")
	}
	return v.Verify(token)
}

// IssueToken mints a device token. Used by the seed command and tests;
// production tokens come from the account service sharing the secret.
func IssueToken(secret, deviceID, familyID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   deviceID,
		},
		DeviceID: deviceID,
		FamilyID: familyID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
