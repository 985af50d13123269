package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"chat_sync/internal/apperr"
	"chat_sync/internal/model"
)

// Client talks to the signup and login endpoints of the auth service.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{baseURL: baseURL, client: client}
}

func (c *Client) Signup(ctx context.Context, email, password string) error {
	_, err := c.post(ctx, "signup", "/signup", model.Credentials{Email: email, Password: password})
	return err
}

// Login exchanges email and password for a token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	body, err := c.post(ctx, "login", "/login", model.Credentials{Email: email, Password: password})
	if err != nil {
		return "", err
	}

	var resp model.TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &apperr.NetworkError{Op: "login", Err: fmt.Errorf("decode body: %w", err)}
	}
	if resp.Token == "" {
		return "", &apperr.NetworkError{Op: "login", Err: fmt.Errorf("empty token")}
	}
	return resp.Token, nil
}

func (c *Client) post(ctx context.Context, op, path string, creds model.Credentials) ([]byte, error) {
	if err := model.Validate(creds); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.JoinPath(path).String(), bytes.NewReader(data))
	if err != nil {
		return nil, &apperr.NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &apperr.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &apperr.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &apperr.AuthError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var cause error
		if msg := errorMessage(body); msg != "" {
			cause = fmt.Errorf("%s", msg)
		}
		return nil, &apperr.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: cause}
	}
	return body, nil
}

func errorMessage(body []byte) string {
	var e model.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Error
}
