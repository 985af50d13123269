package controller_test

import (
	"context"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"chat_sync/internal/auth"
	"chat_sync/internal/channel"
	"chat_sync/internal/controller"
	"chat_sync/internal/conversation"
	"chat_sync/internal/history"
	"chat_sync/internal/model"
	"chat_sync/internal/repository/memory"
	"chat_sync/internal/service/server"
	"chat_sync/internal/session"

	"github.com/stretchr/testify/require"
)

const password = "correct horse battery"

type peer struct {
	session *session.Session
	ctrl    *controller.Controller
}

func newRelay(t *testing.T, authRequired bool) *httptest.Server {
	t.Helper()
	srv := server.NewHttpServer(memory.NewUserRepo(), memory.NewMessageRepo(), nil, server.Options{
		AuthRequired: authRequired,
		Secret:       []byte("e2e-secret"),
		TokenTTL:     time.Hour,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return ts
}

func newPeer(t *testing.T, ts *httptest.Server) *peer {
	t.Helper()
	sess := session.New(session.NewMemoryStorage())
	var ctrl *controller.Controller
	manager := channel.NewManager(channel.NewWebsocketDialer("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws"),
		channel.WithOnLost(func(err error) { ctrl.ChannelLost(err) }))
	ctrl = controller.New(sess, manager, history.NewLoader(ts.URL, ts.Client()), conversation.NewStore(),
		controller.WithNotifier(func(err error) { t.Logf("notice: %v", err) }))
	ctrl.Start(context.Background())
	t.Cleanup(func() {
		ctrl.Close()
		require.NoError(t, manager.Close())
	})
	return &peer{session: sess, ctrl: ctrl}
}

func (p *peer) login(t *testing.T, ts *httptest.Server, email string) {
	t.Helper()
	c := auth.NewClient(ts.URL, ts.Client())
	require.NoError(t, c.Signup(context.Background(), email, password))
	raw, err := c.Login(context.Background(), email, password)
	require.NoError(t, err)
	require.NoError(t, p.session.Issue(context.Background(), raw))
}

func (p *peer) open(t *testing.T, counterparty string) {
	t.Helper()
	p.ctrl.Select(counterparty)
	require.Eventually(t, func() bool { return p.ctrl.State() == controller.Live },
		2*time.Second, 5*time.Millisecond)
}

func (p *peer) requireTranscript(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return slices.Equal(want, transcriptTexts(p.ctrl.Transcript()))
	}, 2*time.Second, 5*time.Millisecond, "transcript %v", transcriptTexts(p.ctrl.Transcript()))
}

func transcriptTexts(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestEndToEnd_Authenticated(t *testing.T) {
	ts := newRelay(t, true)
	alice, bob := newPeer(t, ts), newPeer(t, ts)

	alice.login(t, ts, "alice@example.com")
	bob.login(t, ts, "bob@example.com")
	alice.open(t, "bob@example.com")
	bob.open(t, "alice@example.com")

	require.NoError(t, alice.ctrl.SendMessage("hi"))
	alice.requireTranscript(t, "hi")
	bob.requireTranscript(t, "hi")

	require.NoError(t, bob.ctrl.SendMessage("yo"))
	alice.requireTranscript(t, "hi", "yo")
	bob.requireTranscript(t, "hi", "yo")

	// reopening reads the same conversation back from history
	alice.ctrl.Select("")
	require.Empty(t, alice.ctrl.Transcript())
	alice.open(t, "bob@example.com")
	alice.requireTranscript(t, "hi", "yo")

	require.NoError(t, alice.ctrl.Logout(context.Background()))
	require.Equal(t, controller.Idle, alice.ctrl.State())
	require.Empty(t, alice.ctrl.Transcript())
}

func TestEndToEnd_Anonymous(t *testing.T) {
	ts := newRelay(t, false)
	alice, bob, carol := newPeer(t, ts), newPeer(t, ts), newPeer(t, ts)

	require.NoError(t, alice.session.IssueAnonymous("alice"))
	require.NoError(t, bob.session.IssueAnonymous("bob"))
	require.NoError(t, carol.session.IssueAnonymous("carol"))
	alice.open(t, "bob")
	bob.open(t, "alice")
	carol.open(t, "alice")

	require.NoError(t, alice.ctrl.SendMessage("hi bob"))
	alice.requireTranscript(t, "hi bob")
	bob.requireTranscript(t, "hi bob")

	require.NoError(t, carol.ctrl.SendMessage("hi alice"))
	carol.requireTranscript(t, "hi alice")

	// the relay broadcasts in this mode; only the selected pair is kept
	bob.requireTranscript(t, "hi bob")
	alice.requireTranscript(t, "hi bob")
}
