package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNoChannel         = errors.New("no live channel")
	ErrNoConversation    = errors.New("no conversation selected")
	ErrEmptyMessage      = errors.New("message text is empty")
	ErrInvalidCredential = errors.New("invalid credential")
)

type (
	// NetworkError is a call that could not reach the service or came back
	// with an unexpected status.
	NetworkError struct {
		Op         string
		StatusCode int
		Err        error
	}

	// AuthError is a call the service refused because the credential is
	// missing, invalid or expired.
	AuthError struct {
		Op         string
		StatusCode int
		Message    string
	}

	// ChannelError is a dial, send or read failure on the live channel.
	ChannelError struct {
		Op  string
		Err error
	}
)

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: unexpected status %d: %v", e.Op, e.StatusCode, e.Err)
		}
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: unauthorized (%d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: unauthorized (%d)", e.Op, e.StatusCode)
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
