package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chat_sync/internal/apperr"
	"chat_sync/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

func TestClient_Login(t *testing.T) {
	req := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req.Equal(http.MethodPost, r.Method)
		req.Equal("/login", r.URL.Path)

		var creds model.Credentials
		req.NoError(json.NewDecoder(r.Body).Decode(&creds))
		if creds.Password != "correct horse" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(model.ErrorResponse{Error: "invalid email or password"})
			return
		}
		json.NewEncoder(w).Encode(model.TokenResponse{Token: "tok"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())

	tok, err := c.Login(context.Background(), "a@example.com", "correct horse")
	req.NoError(err)
	req.Equal("tok", tok)

	_, err = c.Login(context.Background(), "a@example.com", "wrong password")
	var authErr *apperr.AuthError
	req.ErrorAs(err, &authErr)
	req.Equal("invalid email or password", authErr.Message)
}

func TestClient_SignupConflict(t *testing.T) {
	req := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req.Equal("/signup", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(model.ErrorResponse{Error: "email already registered"})
	}))
	defer srv.Close()

	err := NewClient(srv.URL, nil).Signup(context.Background(), "a@example.com", "correct horse")

	var netErr *apperr.NetworkError
	req.ErrorAs(err, &netErr)
	req.Equal(http.StatusConflict, netErr.StatusCode)
	req.ErrorContains(err, "email already registered")
}

func TestClient_ValidatesBeforeCalling(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	err := NewClient(srv.URL, nil).Signup(context.Background(), "not-an-email", "short")

	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.False(t, called)
}
