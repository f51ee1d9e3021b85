package uploader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var ErrNoIdentity = errors.New("no identity in token")

// IdentityFunc resolves the caller's email for the allow-list check.
type IdentityFunc func(ctx context.Context, token string) (string, error)

// EmailFromJWT reads the email claim of a JWT. The signature is not checked.
func EmailFromJWT(ctx context.Context, token string) (string, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return "", ErrNoIdentity
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return "", ErrNoIdentity
	}
	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return "", ErrNoIdentity
	}
	email, ok := payload["email"].(string)
	email = strings.ToLower(strings.TrimSpace(email))
	if !ok || email == "" {
		return "", ErrNoIdentity
	}
	return email, nil
}

func allowed(email string, allowList []string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, candidate := range allowList {
		if strings.ToLower(strings.TrimSpace(candidate)) == email {
			return true
		}
	}
	return false
}
