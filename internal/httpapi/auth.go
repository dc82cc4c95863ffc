package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const tokenAudience = "relaychat"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Subject string
	Exp     int64
}

// JWTSessions resolves HS256 tokens whose "sub" claim names the user.
type JWTSessions struct {
	Secret string
	Now    func() time.Time
}

func NewJWTSessions(secret string) *JWTSessions {
	return &JWTSessions{Secret: secret, Now: time.Now}
}

func (j *JWTSessions) Resolve(token string) (relaychat.UserID, error) {
	if j == nil || j.Secret == "" {
		return "", relaychat.ErrInvalidToken
	}
	now := time.Now()
	if j.Now != nil {
		now = j.Now()
	}
	claims, authErr := parseJWT(token, j.Secret, now)
	if authErr != nil {
		return "", fmt.Errorf("%w: %s", relaychat.ErrInvalidToken, authErr.message)
	}
	return relaychat.UserID(claims.Subject), nil
}

// requestToken reads the bearer header first and falls back to ?token=.
func requestToken(r *http.Request) (string, *authError) {
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
}

func parseJWT(raw, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt format"}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "unsupported jwt algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt signature"}
	}

	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}
	subject, ok := payload["sub"].(string)
	if !ok || strings.TrimSpace(subject) == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	if now.Unix() >= exp {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if aud, ok := payload["aud"].(string); !ok || aud != tokenAudience {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}
	return tokenClaims{Subject: subject, Exp: exp}, nil
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
