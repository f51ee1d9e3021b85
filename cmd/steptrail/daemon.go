package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// daemonClient calls the local daemon API.
type daemonClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newDaemonClient(opts *rootOptions) *daemonClient {
	return &daemonClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.server), "/"),
		token:      strings.TrimSpace(opts.apiToken),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

type apiError struct {
	Status        int
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (c *daemonClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *daemonClient) control(ctx context.Context, msgType string, tabID int, sessionID string, out any) error {
	body := map[string]any{"type": msgType}
	if tabID > 0 {
		body["tabId"] = tabID
	}
	if sessionID != "" {
		body["sessionId"] = sessionID
	}
	return c.do(ctx, http.MethodPost, "/v1/control", body, out)
}
