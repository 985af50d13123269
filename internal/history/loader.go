package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"chat_sync/internal/apperr"
	"chat_sync/internal/model"
	"chat_sync/internal/session"
)

const op = "load history"

// Loader fetches the stored messages of one conversation.
type Loader struct {
	baseURL string
	client  *http.Client
}

func NewLoader(baseURL string, client *http.Client) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Loader{baseURL: baseURL, client: client}
}

// Load returns the messages exchanged between cred and counterparty, oldest
// first. An authenticated credential is sent as a bearer token and the
// identity is left to the server; an anonymous one names both parties.
func (l *Loader) Load(ctx context.Context, cred session.Credential, counterparty string) ([]model.Message, error) {
	u, err := url.Parse(l.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	u = u.JoinPath("/messages/history")

	params := url.Values{"user2": []string{counterparty}}
	if !cred.Authenticated() {
		params.Set("user1", cred.Identity)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &apperr.NetworkError{Op: op, Err: err}
	}
	if cred.Authenticated() {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &apperr.NetworkError{Op: op, Err: err}
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &apperr.AuthError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &apperr.NetworkError{Op: op, StatusCode: resp.StatusCode}
	}

	var messages []model.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, &apperr.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

func errorMessage(body io.Reader) string {
	var e model.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(body, 4<<10)).Decode(&e); err != nil {
		return ""
	}
	return e.Error
}
