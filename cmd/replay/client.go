package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, hc *http.Client) *client {
	return &client{baseURL: baseURL, http: hc}
}

type sessionEnvelope struct {
	Session struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	} `json:"session"`
}

type replayRecord struct {
	RecordID  string `json:"record_id"`
	RiskLevel string `json:"risk_level"`
}

func (c *client) health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// createSession uploads a batch and returns the new session ID. The
// server classifies synchronously unless async processing is enabled.
func (c *client) createSession(ctx context.Context, filename string, rows []map[string]string) (string, error) {
	var env sessionEnvelope
	body := map[string]any{"filename": filename, "records": rows}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &env); err != nil {
		return "", err
	}
	if env.Session.Status == "error" {
		return "", fmt.Errorf("session %s failed: %s", env.Session.ID, env.Session.ErrorMessage)
	}
	return env.Session.ID, nil
}

func (c *client) records(ctx context.Context, sessionID string) ([]replayRecord, error) {
	var out struct {
		Records []replayRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/records", nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
