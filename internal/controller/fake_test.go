package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"chat_sync/internal/apperr"
	"chat_sync/internal/channel"
	"chat_sync/internal/conversation"
	"chat_sync/internal/model"
	"chat_sync/internal/session"

	"github.com/stretchr/testify/require"
)

type sent struct {
	name    string
	payload any
}

type fakeChannel struct {
	mu        sync.Mutex
	open      *session.Credential
	log       []string
	sent      []sent
	subs      map[int]channel.Handler
	retired   []channel.Handler
	nextID    int
	rebindErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: make(map[int]channel.Handler)}
}

func (f *fakeChannel) Rebind(_ context.Context, cred *session.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.open != nil {
		f.log = append(f.log, "close:"+f.open.Identity)
		f.open = nil
		for _, h := range f.subs {
			f.retired = append(f.retired, h)
		}
		f.subs = make(map[int]channel.Handler)
	}
	if cred == nil {
		return nil
	}
	if f.rebindErr != nil {
		return &apperr.ChannelError{Op: "dial", Err: f.rebindErr}
	}
	cp := *cred
	f.open = &cp
	f.log = append(f.log, "open:"+cred.Identity)
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open != nil
}

func (f *fakeChannel) setRebindErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebindErr = err
}

func (f *fakeChannel) Send(name string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open == nil {
		return apperr.ErrNoChannel
	}
	f.sent = append(f.sent, sent{name: name, payload: payload})
	return nil
}

func (f *fakeChannel) Subscribe(name string, h channel.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open == nil {
		return nil, apperr.ErrNoChannel
	}
	if name != model.EventReceiveMessage {
		return nil, fmt.Errorf("unexpected subscription to %s", name)
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = h
	f.log = append(f.log, fmt.Sprintf("subscribe:%d", id))

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if h, ok := f.subs[id]; ok {
			f.retired = append(f.retired, h)
			delete(f.subs, id)
			f.log = append(f.log, fmt.Sprintf("unsubscribe:%d", id))
		}
	}, nil
}

// emit delivers msg to the active subscriptions the way the channel reader
// would.
func (f *fakeChannel) emit(t *testing.T, msg model.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	f.mu.Lock()
	hs := make([]channel.Handler, 0, len(f.subs))
	for _, h := range f.subs {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

// emitRetired delivers msg to handlers that were already detached, as an
// event in flight during a switch would be.
func (f *fakeChannel) emitRetired(t *testing.T, msg model.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	f.mu.Lock()
	hs := append([]channel.Handler(nil), f.retired...)
	f.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

func (f *fakeChannel) Log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeChannel) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeChannel) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeChannel) Open() *session.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// pipeConn is a channel.Conn the test feeds events into and can break.
type pipeConn struct {
	events chan model.Event
	failed chan error
	done   chan struct{}
	once   sync.Once
}

func (c *pipeConn) ReadEvent() (model.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.failed:
		return model.Event{}, err
	case <-c.done:
		return model.Event{}, net.ErrClosed
	}
}

func (c *pipeConn) WriteEvent(model.Event) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
		return nil
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) emit(t *testing.T, m model.Message) {
	t.Helper()
	ev, err := model.NewEvent(model.EventReceiveMessage, m)
	require.NoError(t, err)
	c.events <- ev
}

func (c *pipeConn) drop(err error) {
	c.failed <- err
}

type pipeDialer struct {
	mu    sync.Mutex
	conns []*pipeConn
}

func (d *pipeDialer) Dial(context.Context, session.Credential) (channel.Conn, error) {
	c := &pipeConn{
		events: make(chan model.Event, 8),
		failed: make(chan error, 1),
		done:   make(chan struct{}),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *pipeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *pipeDialer) last() *pipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type loadResult struct {
	messages []model.Message
	err      error
}

type loadCall struct {
	cred         session.Credential
	counterparty string
	result       chan loadResult
}

func (l *loadCall) resolve(messages ...model.Message) {
	l.result <- loadResult{messages: messages}
}

func (l *loadCall) fail(err error) {
	l.result <- loadResult{err: err}
}

// fakeLoader hands every Load to the test and returns whatever the test
// resolves it with. It ignores cancellation, like a server that answers late.
type fakeLoader struct {
	calls chan *loadCall
	stop  chan struct{}
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		calls: make(chan *loadCall, 16),
		stop:  make(chan struct{}),
	}
}

func (l *fakeLoader) Load(_ context.Context, cred session.Credential, counterparty string) ([]model.Message, error) {
	call := &loadCall{cred: cred, counterparty: counterparty, result: make(chan loadResult, 1)}
	l.calls <- call
	select {
	case r := <-call.result:
		return r.messages, r.err
	case <-l.stop:
		return nil, context.Canceled
	}
}

func (l *fakeLoader) next(t *testing.T) *loadCall {
	t.Helper()
	select {
	case call := <-l.calls:
		return call
	case <-time.After(time.Second):
		t.Fatal("no history load issued")
		return nil
	}
}

func (l *fakeLoader) requireNone(t *testing.T) {
	t.Helper()
	select {
	case call := <-l.calls:
		t.Fatalf("unexpected history load for %s/%s", call.cred.Identity, call.counterparty)
	case <-time.After(20 * time.Millisecond):
	}
}

type fixture struct {
	session *session.Session
	channel *fakeChannel
	loader  *fakeLoader
	store   *conversation.Store
	ctrl    *Controller

	mu      sync.Mutex
	notices []error
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		session: session.New(session.NewMemoryStorage()),
		channel: newFakeChannel(),
		loader:  newFakeLoader(),
		store:   conversation.NewStore(),
	}
	opts = append([]Option{WithNotifier(func(err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.notices = append(f.notices, err)
	})}, opts...)
	f.ctrl = New(f.session, f.channel, f.loader, f.store, opts...)

	t.Cleanup(f.ctrl.Close)
	t.Cleanup(func() { close(f.loader.stop) })

	f.ctrl.Start(context.Background())
	return f
}

func (f *fixture) Notices() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.notices...)
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.ctrl.State() == want },
		time.Second, 2*time.Millisecond, "state never became %s", want)
}

// settle waits for every load goroutine to finish. All pending loads must
// have been resolved.
func (f *fixture) settle() {
	f.ctrl.loads.Wait()
}

func msg(sender, receiver, text string) model.Message {
	return model.Message{Sender: sender, Receiver: receiver, Text: text}
}

func texts(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}
