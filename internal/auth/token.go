// Package auth issues and verifies the signed session tokens used by the REST
// API and the realtime socket.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"plixmap/api/internal/rbac"
	"plixmap/api/internal/util"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

// Identity is the authenticated actor derived from verified claims.
type Identity struct {
	UserID string
	Name   string
	Role   rbac.Role
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.PassiveClock
}

func NewIssuer(secret string, ttl time.Duration, clk clock.PassiveClock) *Issuer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: clk}
}

func (i *Issuer) Issue(id Identity) (string, error) {
	if strings.TrimSpace(id.UserID) == "" || strings.TrimSpace(id.Name) == "" {
		return "", ErrInvalidToken
	}
	claims := Claims{
		Sub:  id.UserID,
		Name: id.Name,
		Role: string(rbac.Normalize(string(id.Role))),
		JTI:  util.NewID("tok"),
		Exp:  i.clock.Now().Add(i.ttl).Unix(),
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(i.secret, payload), nil
}

func (i *Issuer) Parse(token string) (Identity, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Identity{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(i.secret, payload))) {
		return Identity{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Identity{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Name == "" || claims.JTI == "" || claims.Exp == 0 {
		return Identity{}, ErrInvalidToken
	}
	if i.clock.Now().Unix() >= claims.Exp {
		return Identity{}, ErrExpiredToken
	}
	return Identity{UserID: claims.Sub, Name: claims.Name, Role: rbac.Normalize(claims.Role)}, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
