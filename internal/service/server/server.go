package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"chat_sync/internal/model"
	"chat_sync/internal/repository/user"
	"chat_sync/internal/token"
	"chat_sync/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type (
	UserStore interface {
		GetByEmail(ctx context.Context, email string) (*model.User, error)
		Create(ctx context.Context, user *model.User) error
	}

	MessageStore interface {
		Save(ctx context.Context, m *model.Message) error
		Between(ctx context.Context, a, b string) ([]model.Message, error)
	}

	// Broker fans accepted messages out, possibly to other processes. Each
	// process hands what it receives to Deliver.
	Broker interface {
		Publish(ctx context.Context, m model.Message) error
	}

	Options struct {
		// AuthRequired switches between token-scoped delivery and the
		// anonymous broadcast mode.
		AuthRequired bool
		Secret       []byte
		TokenTTL     time.Duration
	}

	HttpServer struct {
		users    UserStore
		messages MessageStore
		broker   Broker
		hub      *hub
		opts     Options
		upgrader websocket.Upgrader
	}

	localBroker struct {
		hub *hub
	}
)

// NewHttpServer builds the relay. A nil broker delivers in process.
func NewHttpServer(users UserStore, messages MessageStore, broker Broker, opts Options) *HttpServer {
	s := &HttpServer{
		users:    users,
		messages: messages,
		hub:      newHub(!opts.AuthRequired),
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
	if broker == nil {
		broker = &localBroker{hub: s.hub}
	}
	s.broker = broker
	return s
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	if s.opts.AuthRequired {
		r.HandleFunc("/signup", s.HandleSignup()).Methods(http.MethodPost)
		r.HandleFunc("/login", s.HandleLogin()).Methods(http.MethodPost)
	}
	r.HandleFunc("/messages/history", s.HandleHistory()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)
	return r
}

// Run serves on addr until ctx is done.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", addr), zap.Bool("auth", s.opts.AuthRequired))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	}
}

// Close disconnects every websocket client of this process.
func (s *HttpServer) Close() {
	s.hub.closeAll()
}

// Deliver pushes m to the local clients it concerns.
func (s *HttpServer) Deliver(m model.Message) {
	s.hub.deliver(m)
}

func (s *HttpServer) HandleSignup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, ok := decodeCredentials(w, r)
		if !ok {
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
		if err != nil {
			log.Error("hash password failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "signup failed")
			return
		}

		err = s.users.Create(r.Context(), &model.User{Email: creds.Email, PasswordHash: hash})
		if errors.Is(err, user.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			log.Error("create user failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "signup failed")
			return
		}

		log.Info("user signed up", zap.String("email", creds.Email))
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *HttpServer) HandleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, ok := decodeCredentials(w, r)
		if !ok {
			return
		}

		u, err := s.users.GetByEmail(r.Context(), creds.Email)
		if err != nil {
			log.Error("get user failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "login failed")
			return
		}
		if u == nil || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(creds.Password)) != nil {
			writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}

		raw, err := token.Issue(s.opts.Secret, u.Email, s.opts.TokenTTL)
		if err != nil {
			log.Error("issue token failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "login failed")
			return
		}
		writeJSON(w, http.StatusOK, model.TokenResponse{Token: raw})
	}
}

func (s *HttpServer) HandleHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		user1 := query.Get("user1")
		if s.opts.AuthRequired {
			identity, err := s.authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			user1 = identity
		}
		user2 := query.Get("user2")
		if user1 == "" || user2 == "" {
			writeError(w, http.StatusBadRequest, "both parties are required")
			return
		}

		messages, err := s.messages.Between(r.Context(), user1, user2)
		if err != nil {
			log.Error("load history failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "load history failed")
			return
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var identity string
		if s.opts.AuthRequired {
			var err error
			identity, err = s.authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}

		c := &client{identity: identity, conn: conn}
		s.hub.add(c)
		log.Debug("client connected", zap.String("identity", identity))

		go s.processWSMessage(c)
	}
}

func (s *HttpServer) processWSMessage(c *client) {
	defer func() {
		s.hub.remove(c)
		c.conn.Close()
	}()

	for {
		var ev model.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			log.Debug("client web socket closed", zap.String("identity", c.identity), zap.Error(err))
			return
		}

		if ev.Name != model.EventSendMessage {
			log.Debug("ignoring event", zap.String("event", ev.Name))
			continue
		}

		var payload model.SendMessagePayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			log.Error("Unmarshal message failed", zap.Error(err))
			continue
		}

		sender := c.identity
		if !s.opts.AuthRequired {
			sender = payload.Sender
		}
		m := model.Message{
			ID:        uuid.NewString(),
			Sender:    sender,
			Receiver:  payload.Receiver,
			Text:      payload.Text,
			Timestamp: time.Now().UTC(),
		}
		if err := model.Validate(m); err != nil {
			log.Warn("rejecting message", zap.String("identity", c.identity), zap.Error(err))
			continue
		}
		if strings.TrimSpace(m.Text) == "" {
			log.Warn("rejecting blank message", zap.String("identity", c.identity))
			continue
		}

		if err := s.accept(context.TODO(), m); err != nil {
			log.Error("accept message failed", zap.Error(err))
		}
	}
}

// accept stores m and hands it to the broker for delivery.
func (s *HttpServer) accept(ctx context.Context, m model.Message) error {
	if err := s.messages.Save(ctx, &m); err != nil {
		return err
	}
	return s.broker.Publish(ctx, m)
}

// authenticate resolves the identity behind the bearer token of r, taken from
// the Authorization header or the token query parameter.
func (s *HttpServer) authenticate(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		var ok bool
		raw, ok = strings.CutPrefix(h, "Bearer ")
		if !ok {
			return "", errors.New("malformed authorization header")
		}
	}
	if raw == "" {
		return "", errors.New("missing token")
	}

	identity, err := token.Verify(s.opts.Secret, raw)
	if err != nil {
		return "", errors.New("invalid token")
	}
	return identity, nil
}

func (b *localBroker) Publish(_ context.Context, m model.Message) error {
	b.hub.deliver(m)
	return nil
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (model.Credentials, bool) {
	var creds model.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return creds, false
	}
	creds.Email = strings.TrimSpace(creds.Email)
	if err := model.Validate(creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return creds, false
	}
	return creds, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}
