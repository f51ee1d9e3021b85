package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeRequest checks the static API token. Browsers cannot set headers
// on a websocket handshake, so allowQuery also accepts ?access_token=.
func authorizeRequest(r *http.Request, apiToken string, allowQuery bool) *authError {
	if apiToken == "" {
		return nil
	}
	presented, err := parseBearer(r.Header.Get("Authorization"))
	if err != nil && allowQuery {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			presented, err = token, nil
		}
	}
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(apiToken)) != 1 {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid api token"}
	}
	return nil
}

func parseBearer(authHeader string) (string, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if raw == "" {
		return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "empty bearer token"}
	}
	return raw, nil
}
