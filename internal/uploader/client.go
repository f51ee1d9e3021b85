// Package uploader talks to the remote sync endpoint: it uploads sessions
// and reads back the remote session index.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/oklog/ulid/v2"
)

const (
	RedactedValue  = "[REDACTED]"
	payloadVersion = 1
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Tokens     TokenSource
	Identity   IdentityFunc
	HTTPClient *http.Client
	ClientName string
	Logger     Logger
	Now        func() time.Time
	// MaxRetries bounds retries of read requests on 429/5xx. Uploads are
	// single attempts.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client implements steptrail.Uploader.
type Client struct {
	tokens     TokenSource
	identity   IdentityFunc
	httpClient *http.Client
	clientName string
	logger     Logger
	now        func() time.Time
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	identity := opts.Identity
	if identity == nil {
		identity = EmailFromJWT
	}
	clientName := strings.TrimSpace(opts.ClientName)
	if clientName == "" {
		clientName = "steptrail"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		tokens:     opts.Tokens,
		identity:   identity,
		httpClient: httpClient,
		clientName: clientName,
		logger:     opts.Logger,
		now:        now,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type uploadRequest struct {
	SchemaVersion int           `json:"schemaVersion"`
	Payload       SessionExport `json:"payload"`
}

// SessionExport is the document stored remotely for one session.
type SessionExport struct {
	Session steptrail.Session `json:"session"`
	Steps   []steptrail.Step  `json:"steps"`
	Meta    ExportMeta        `json:"meta"`
}

type ExportMeta struct {
	ExportedAt time.Time `json:"exportedAt"`
	Client     string    `json:"client"`
	StepsCount int       `json:"stepsCount"`
	Masked     bool      `json:"masked"`
}

type envelope struct {
	OK         *bool           `json:"ok"`
	ErrorCode  string          `json:"errorCode"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	FileID     string          `json:"fileId"`
	UploadedAt string          `json:"uploadedAt"`
	Revision   int             `json:"revision"`
	Items      []RemoteSession `json:"items"`
	Payload    json.RawMessage `json:"payload"`
}

type RemoteSession struct {
	SessionID  string `json:"sessionId"`
	Title      string `json:"title"`
	StepsCount int    `json:"stepsCount"`
	UpdatedAt  string `json:"updatedAt"`
}

// Upload sends one session. The returned error, when non-nil, is always a
// *steptrail.SyncError.
func (c *Client) Upload(ctx context.Context, cfg steptrail.SyncConfig, session steptrail.Session, steps []steptrail.Step) (steptrail.UploadReceipt, error) {
	token, err := c.authorize(ctx, cfg)
	if err != nil {
		return steptrail.UploadReceipt{}, err
	}

	export := buildExport(session, steps, cfg.MaskInputValues, c.clientName, c.now().UTC())
	body, err := json.Marshal(uploadRequest{SchemaVersion: payloadVersion, Payload: export})
	if err != nil {
		return steptrail.UploadReceipt{}, &steptrail.SyncError{Code: steptrail.CodeUploadFailed, Message: err.Error()}
	}

	status, resp, err := c.do(ctx, http.MethodPost, cfg.EndpointURL, token, url.Values{"action": {"uploadSession"}}, body, 0)
	if err != nil {
		return steptrail.UploadReceipt{}, err
	}
	if syncErr := c.classify(status, resp); syncErr != nil {
		return steptrail.UploadReceipt{}, syncErr
	}

	receipt := steptrail.UploadReceipt{
		Revision: resp.Revision,
		FileID:   resp.FileID,
	}
	if receipt.Revision <= 0 {
		receipt.Revision = export.Session.Sync.Revision
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, resp.UploadedAt); parseErr == nil {
		receipt.UploadedAt = ts.UTC()
	} else {
		receipt.UploadedAt = c.now().UTC()
	}
	c.logf("uploader: session %s uploaded revision=%d file=%s", session.ID, receipt.Revision, receipt.FileID)
	return receipt, nil
}

// ListSessions reads the remote session index, newest first as the server
// orders it.
func (c *Client) ListSessions(ctx context.Context, cfg steptrail.SyncConfig, limit int) ([]RemoteSession, error) {
	token, err := c.authorize(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	query := url.Values{"action": {"listSessions"}, "limit": {strconv.Itoa(limit)}}
	status, resp, err := c.do(ctx, http.MethodGet, cfg.EndpointURL, token, query, nil, c.maxRetries)
	if err != nil {
		return nil, err
	}
	if syncErr := c.classify(status, resp); syncErr != nil {
		return nil, syncErr
	}
	if resp.Items == nil {
		return []RemoteSession{}, nil
	}
	return resp.Items, nil
}

func (c *Client) GetSession(ctx context.Context, cfg steptrail.SyncConfig, sessionID string) (SessionExport, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionExport{}, fmt.Errorf("%w: session id is required", steptrail.ErrInvalidInput)
	}
	token, err := c.authorize(ctx, cfg)
	if err != nil {
		return SessionExport{}, err
	}
	query := url.Values{"action": {"getSession"}, "sessionId": {sessionID}}
	status, resp, err := c.do(ctx, http.MethodGet, cfg.EndpointURL, token, query, nil, c.maxRetries)
	if err != nil {
		return SessionExport{}, err
	}
	if syncErr := c.classify(status, resp); syncErr != nil {
		return SessionExport{}, syncErr
	}
	var export SessionExport
	if len(resp.Payload) == 0 || json.Unmarshal(resp.Payload, &export) != nil {
		return SessionExport{}, &steptrail.SyncError{Code: steptrail.CodeUploadFailed, StatusCode: status, Message: "malformed session payload"}
	}
	return export, nil
}

// authorize checks the config preconditions, obtains a token and applies
// the allow-list. Nothing here touches the network.
func (c *Client) authorize(ctx context.Context, cfg steptrail.SyncConfig) (string, error) {
	if !cfg.Enabled {
		return "", &steptrail.SyncError{Code: steptrail.CodeSyncDisabled, Message: "sync is disabled"}
	}
	if strings.TrimSpace(cfg.EndpointURL) == "" {
		return "", &steptrail.SyncError{Code: steptrail.CodeSyncEndpointMissing, Message: "no sync endpoint configured"}
	}
	token, err := c.token(ctx)
	if err != nil {
		return "", &steptrail.SyncError{Code: steptrail.CodeAuthRequired, Message: err.Error()}
	}
	if len(cfg.AllowedEmails) == 0 {
		return token, nil
	}
	email, err := c.identity(ctx, token)
	if err != nil || strings.TrimSpace(email) == "" {
		return "", &steptrail.SyncError{Code: steptrail.CodeAuthRequired, Message: "cannot resolve account identity"}
	}
	if !allowed(email, cfg.AllowedEmails) {
		return "", &steptrail.SyncError{Code: steptrail.CodeAuthDenied, Message: "account " + email + " is not allowed to sync"}
	}
	return token, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", ErrNoToken
	}
	token, err := c.tokens.Token(ctx, false)
	if err == nil && token != "" {
		return token, nil
	}
	token, err = c.tokens.Token(ctx, true)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func (c *Client) evict() {
	if evicter, ok := c.tokens.(Evicter); ok {
		evicter.Evict()
	}
}

// classify maps a response onto the error taxonomy; nil means success.
func (c *Client) classify(status int, resp envelope) *steptrail.SyncError {
	serverCode := strings.TrimSpace(resp.ErrorCode)
	if serverCode == "" {
		serverCode = strings.TrimSpace(resp.Code)
	}
	switch {
	case status == http.StatusUnauthorized:
		c.evict()
		return &steptrail.SyncError{Code: steptrail.CodeTokenExpired, StatusCode: status, Message: resp.Message}
	case status == http.StatusForbidden:
		return &steptrail.SyncError{Code: steptrail.CodeAuthDenied, StatusCode: status, Message: resp.Message}
	case status == http.StatusTooManyRequests:
		return &steptrail.SyncError{Code: steptrail.CodeQuotaExceeded, StatusCode: status, Message: resp.Message}
	case status < 200 || status > 299, resp.OK != nil && !*resp.OK:
		code := steptrail.CodeUploadFailed
		if serverCode != "" {
			code = steptrail.ErrorCode(serverCode)
		}
		if code == steptrail.CodeTokenExpired {
			c.evict()
		}
		return &steptrail.SyncError{Code: code, StatusCode: status, Message: resp.Message}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, query url.Values, body []byte, retries int) (int, envelope, error) {
	target, err := withQuery(endpoint, query)
	if err != nil {
		return 0, envelope{}, &steptrail.SyncError{Code: steptrail.CodeSyncEndpointMissing, Message: err.Error()}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return 0, envelope{}, &steptrail.SyncError{Code: steptrail.CodeNetworkError, Message: err.Error()}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr == nil {
					continue
				}
			}
			return 0, envelope{}, &steptrail.SyncError{Code: steptrail.CodeNetworkError, Message: err.Error()}
		}
		payloadBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, envelope{}, &steptrail.SyncError{Code: steptrail.CodeNetworkError, StatusCode: resp.StatusCode, Message: readErr.Error()}
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return 0, envelope{}, &steptrail.SyncError{Code: steptrail.CodeNetworkError, Message: waitErr.Error()}
			}
			continue
		}

		var out envelope
		if len(bytes.TrimSpace(payloadBytes)) > 0 {
			if err := json.Unmarshal(payloadBytes, &out); err != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
				return resp.StatusCode, envelope{}, &steptrail.SyncError{Code: steptrail.CodeUploadFailed, StatusCode: resp.StatusCode, Message: "response is not json"}
			}
		}
		return resp.StatusCode, out, nil
	}
}

func withQuery(endpoint string, query url.Values) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("endpoint must be an absolute url")
	}
	q := u.Query()
	for key, values := range query {
		q[key] = values
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildExport prepares the outbound copy. Masking touches only this copy;
// the stored steps keep their values.
func buildExport(session steptrail.Session, steps []steptrail.Step, mask bool, clientName string, now time.Time) SessionExport {
	session.Sync.Revision++
	outbound := make([]steptrail.Step, len(steps))
	for i, step := range steps {
		if mask && step.Type == steptrail.StepInput && step.Value != "" {
			step.Value = RedactedValue
		}
		outbound[i] = step
	}
	return SessionExport{
		Session: session,
		Steps:   outbound,
		Meta: ExportMeta{
			ExportedAt: now,
			Client:     clientName,
			StepsCount: len(outbound),
			Masked:     mask,
		},
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func correlationID() string {
	return "steptrail_" + ulid.Make().String()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
