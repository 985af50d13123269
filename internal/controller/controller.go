package controller

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chat_sync/internal/apperr"
	"chat_sync/internal/channel"
	"chat_sync/internal/conversation"
	"chat_sync/internal/model"
	"chat_sync/internal/session"
	"chat_sync/internal/utils/log"

	"go.uber.org/zap"
)

type (
	HistoryLoader interface {
		Load(ctx context.Context, cred session.Credential, counterparty string) ([]model.Message, error)
	}

	Channel interface {
		Rebind(ctx context.Context, cred *session.Credential) error
		Send(name string, payload any) error
		Subscribe(name string, h channel.Handler) (func(), error)
		Connected() bool
	}

	// Controller keeps the store in step with the selected conversation and
	// the session. All of its state changes happen under mu.
	Controller struct {
		session *session.Session
		channel Channel
		history HistoryLoader
		store   *conversation.Store

		notify      func(error)
		loadTimeout time.Duration
		dialTimeout time.Duration

		ctx    context.Context
		cancel context.CancelFunc
		loads  sync.WaitGroup

		// view is what State and Selection report. It is replaced under mu
		// and read without it, so readers never wait on a dial.
		view atomic.Pointer[snapshot]

		mu           sync.Mutex
		cred         *session.Credential
		counterparty string
		state        State
		// gen changes on every resync; loads and handlers from an older
		// generation are ignored.
		gen         uint64
		cancelLoad  context.CancelFunc
		unsubscribe func()
		unobserve   func()
		closed      bool
		// channelDown is set while a credential is present but its channel
		// failed to open or was lost. The next resync redials.
		channelDown bool
	}

	snapshot struct {
		state        State
		identity     string
		counterparty string
	}

	Option func(*Controller)
)

// WithNotifier sets the sink for failures the user should see. fn is called
// with the controller locked and must not call back into it.
func WithNotifier(fn func(error)) Option {
	return func(c *Controller) {
		c.notify = fn
	}
}

func WithLoadTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.loadTimeout = d
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.dialTimeout = d
	}
}

func New(sess *session.Session, ch Channel, history HistoryLoader, store *conversation.Store, opts ...Option) *Controller {
	c := &Controller{
		session:     sess,
		channel:     ch,
		history:     history,
		store:       store,
		notify:      func(error) {},
		loadTimeout: 10 * time.Second,
		dialTimeout: 10 * time.Second,
		state:       Idle,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.view.Store(&snapshot{state: Idle})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start follows the session from now on and adopts its current credential.
// It must be called once, before any other method.
func (c *Controller) Start(ctx context.Context) {
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)

	unobserve := c.session.Observe(c.onCredential)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.unobserve = unobserve
	if cred, ok := c.session.Current(); ok {
		c.cred = &cred
		c.resync(true)
	}
}

// Select makes counterparty the conversation on screen. Selecting the
// current counterparty again does nothing.
func (c *Controller) Select(counterparty string) {
	counterparty = strings.TrimSpace(counterparty)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || counterparty == c.counterparty {
		return
	}
	c.counterparty = counterparty
	c.resync(false)
}

// Retry loads the history of the current selection again after a failed
// load, reopening the channel first if it is down.
func (c *Controller) Retry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (c.state != Failed && c.state != Disconnected) {
		return
	}
	c.resync(false)
}

// ChannelLost takes the controller out of Live after the channel dropped.
// It is meant for channel.WithOnLost. A loss reported after a newer channel
// opened is ignored.
func (c *Controller) ChannelLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.cred == nil || c.channel.Connected() {
		return
	}

	c.channelDown = true
	if c.state == Live {
		c.detach()
		c.setState(Disconnected)
	}
	c.notify(err)
}

// Logout clears the session. The controller ends up Idle with no channel
// and an empty transcript whatever state it was in.
func (c *Controller) Logout(ctx context.Context) error {
	return c.session.Clear(ctx)
}

// SendMessage emits text to the selected counterparty. The message shows up
// in the transcript only once the relay echoes it back.
func (c *Controller) SendMessage(text string) error {
	c.mu.Lock()
	cred, counterparty := c.cred, c.counterparty
	c.mu.Unlock()

	if cred == nil || counterparty == "" {
		return apperr.ErrNoConversation
	}
	if strings.TrimSpace(text) == "" {
		return apperr.ErrEmptyMessage
	}

	payload := model.SendMessagePayload{Receiver: counterparty, Text: text}
	if !cred.Authenticated() {
		payload.Sender = cred.Identity
	}
	return c.channel.Send(model.EventSendMessage, payload)
}

// State never blocks.
func (c *Controller) State() State {
	return c.view.Load().state
}

// Selection returns the identity and counterparty in use. Either may be
// empty. It never blocks.
func (c *Controller) Selection() (identity, counterparty string) {
	v := c.view.Load()
	return v.identity, v.counterparty
}

func (c *Controller) Transcript() []model.Message {
	return c.store.Transcript()
}

// Close stops following the session, closes the channel and waits for
// in-flight loads to return.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unobserve := c.unobserve
	c.detach()
	c.setState(Idle)
	if err := c.channel.Rebind(context.Background(), nil); err != nil {
		log.Debug("close channel", zap.Error(err))
	}
	c.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	c.cancel()
	c.loads.Wait()
}

func (c *Controller) onCredential(_, next *session.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.cred = next
	if next == nil {
		c.counterparty = ""
	}
	c.resync(true)
}

// resync drops everything tied to the previous selection and starts over for
// the current one. It must be called with mu held.
func (c *Controller) resync(rebind bool) {
	c.detach()
	c.store.Reset()

	ready := c.cred != nil && c.counterparty != ""
	if ready {
		c.setState(AwaitingHistory)
	} else {
		c.setState(Idle)
	}

	if rebind || c.channelDown {
		ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
		err := c.channel.Rebind(ctx, c.cred)
		cancel()
		c.channelDown = c.cred != nil && err != nil
		if err != nil {
			log.Error("rebind channel failed", zap.Error(err))
			c.notify(err)
		}
	}

	if !ready {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.loadTimeout)
	c.cancelLoad = cancel

	c.loads.Add(1)
	go c.load(ctx, c.gen, *c.cred, c.counterparty)
}

// detach unsubscribes the live handler and invalidates any load in flight.
func (c *Controller) detach() {
	c.gen++
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
}

func (c *Controller) load(ctx context.Context, gen uint64, cred session.Credential, counterparty string) {
	defer c.loads.Done()

	messages, err := c.history.Load(ctx, cred, counterparty)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(gen, cred.Identity, counterparty) {
		log.Debug("discarding stale history",
			zap.String("identity", cred.Identity),
			zap.String("counterparty", counterparty))
		return
	}
	c.cancelLoad()
	c.cancelLoad = nil

	if err != nil {
		log.Error("load history failed", zap.String("counterparty", counterparty), zap.Error(err))
		c.setState(Failed)
		c.notify(err)
		return
	}

	kept := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.Between(cred.Identity, counterparty) {
			kept = append(kept, m)
		}
	}
	c.store.Append(kept...)

	unsubscribe, err := c.channel.Subscribe(model.EventReceiveMessage, c.handler(gen, cred.Identity, counterparty))
	if err != nil {
		log.Warn("live updates unavailable", zap.Error(err))
		c.channelDown = true
		c.setState(Disconnected)
		c.notify(&apperr.ChannelError{Op: "subscribe", Err: err})
		return
	}
	c.unsubscribe = unsubscribe
	c.setState(Live)
}

func (c *Controller) handler(gen uint64, identity, counterparty string) channel.Handler {
	return func(data json.RawMessage) {
		var m model.Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn("undecodable live message", zap.Error(err))
			return
		}
		if err := model.Validate(m); err != nil {
			log.Warn("invalid live message", zap.Error(err))
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if !c.current(gen, identity, counterparty) || !m.Between(identity, counterparty) {
			return
		}
		if c.store.Contains(m.ID) {
			return
		}
		c.store.Append(m)
	}
}

// setState must be called with mu held.
func (c *Controller) setState(state State) {
	c.state = state
	v := &snapshot{state: state, counterparty: c.counterparty}
	if c.cred != nil {
		v.identity = c.cred.Identity
	}
	c.view.Store(v)
}

func (c *Controller) current(gen uint64, identity, counterparty string) bool {
	return gen == c.gen &&
		c.cred != nil &&
		c.cred.Identity == identity &&
		c.counterparty == counterparty
}
