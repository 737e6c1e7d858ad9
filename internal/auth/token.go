package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Audience every relaynote token must carry.
const Audience = "relaynote"

// TokenError is a rejected bearer token. Status is the HTTP status a server
// should answer with.
type TokenError struct {
	Status  int
	Code    string
	Message string
}

func (e *TokenError) Error() string {
	return e.Message
}

func (e *TokenError) Is(target error) bool {
	return target == ErrInvalidToken || (target == ErrTokenExpired && e.Code == "token_expired")
}

// Claims carried by an access token. Room is optional; an empty Room grants
// every room.
type Claims struct {
	UserID    string `json:"sub"`
	UserEmail string `json:"email"`
	Room      string `json:"room,omitempty"`
	Audience  string `json:"aud"`
	Exp       int64  `json:"exp"`
}

// Sign issues an HS256 token. The dev server and tests use it; production
// tokens come from the auth provider.
func Sign(claims Claims, secret string) (string, error) {
	if claims.Audience == "" {
		claims.Audience = Audience
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// AuthorizeBearer checks an Authorization header value and, when room is
// non-empty, that the token grants that room.
func AuthorizeBearer(authHeader, secret, room string, now time.Time) (Claims, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "missing or invalid bearer token"}
	}
	claims, err := Verify(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), secret, now)
	if err != nil {
		return Claims{}, err
	}
	if room != "" && claims.Room != "" && claims.Room != room {
		return Claims{}, &TokenError{Status: 403, Code: "forbidden", Message: "room mismatch"}
	}
	return claims, nil
}

// Verify checks the signature, audience and expiry of an HS256 token.
func Verify(raw, secret string, now time.Time) (Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "invalid jwt format"}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "unsupported jwt algorithm"}
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "invalid jwt signature"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "jwt signature mismatch"}
	}

	claims, err := decodeClaims(parts[1])
	if err != nil {
		return Claims{}, err
	}
	if claims.UserID == "" {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "missing sub claim"}
	}
	if claims.Audience != Audience {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "invalid aud claim"}
	}
	if now.Unix() >= claims.Exp {
		return Claims{}, &TokenError{Status: 401, Code: "token_expired", Message: "token expired"}
	}
	return claims, nil
}

// ParseUnverified reads the claims without checking the signature. Clients
// use it to learn their own identity from the token they were handed.
func ParseUnverified(raw string) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "invalid jwt format"}
	}
	return decodeClaims(parts[1])
}

func decodeClaims(segment string) (Claims, error) {
	payloadBytes, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "invalid jwt payload"}
	}
	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "invalid jwt payload"}
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return Claims{}, &TokenError{Status: 401, Code: "unauthorized", Message: "invalid exp claim"}
	}
	claims := Claims{Exp: exp}
	claims.UserID, _ = payload["sub"].(string)
	claims.UserEmail, _ = payload["email"].(string)
	claims.Room, _ = payload["room"].(string)
	claims.Audience, _ = payload["aud"].(string)
	return claims, nil
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
