package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"chat_sync/internal/apperr"
	"chat_sync/internal/model"
	"chat_sync/internal/session"
	"chat_sync/internal/utils/log"

	"go.uber.org/zap"
)

// ErrMalformedEvent is returned by Conn.ReadEvent for a frame that is not an
// event. The connection stays usable.
var ErrMalformedEvent = errors.New("malformed event")

type (
	// Handler receives the data of one inbound event.
	Handler func(data json.RawMessage)

	Conn interface {
		ReadEvent() (model.Event, error)
		WriteEvent(model.Event) error
		Close() error
	}

	Dialer interface {
		Dial(ctx context.Context, cred session.Credential) (Conn, error)
	}

	// Manager owns the single live channel of the client.
	Manager struct {
		dialer Dialer
		onLost func(error)

		// rebind serializes Rebind so every handle is closed exactly once.
		rebind sync.Mutex

		mu      sync.Mutex
		current *binding
		readers sync.WaitGroup
	}

	Option func(*Manager)

	binding struct {
		conn     Conn
		identity string

		writeMu sync.Mutex

		mu     sync.Mutex
		subs   map[string]map[uint64]Handler
		nextID uint64
		closed bool
	}
)

// WithOnLost registers fn to be called when a channel drops without having
// been closed by the Manager.
func WithOnLost(fn func(error)) Option {
	return func(m *Manager) {
		m.onLost = fn
	}
}

func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{dialer: dialer}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rebind closes the open channel, if any, and opens one authenticated with
// cred when cred is not nil. A failed dial leaves no channel.
func (m *Manager) Rebind(ctx context.Context, cred *session.Credential) error {
	m.rebind.Lock()
	defer m.rebind.Unlock()

	m.mu.Lock()
	old := m.current
	m.current = nil
	m.mu.Unlock()

	if old != nil {
		old.close()
		log.Debug("channel closed", zap.String("identity", old.identity))
	}

	if cred == nil {
		return nil
	}

	conn, err := m.dialer.Dial(ctx, *cred)
	if err != nil {
		return &apperr.ChannelError{Op: "dial", Err: err}
	}

	b := &binding{
		conn:     conn,
		identity: cred.Identity,
		subs:     make(map[string]map[uint64]Handler),
	}

	m.mu.Lock()
	m.current = b
	m.mu.Unlock()

	m.readers.Add(1)
	go m.readLoop(b)

	log.Debug("channel open", zap.String("identity", cred.Identity))
	return nil
}

// Connected reports whether a channel is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Send emits an event on the open channel.
func (m *Manager) Send(name string, payload any) error {
	ev, err := model.NewEvent(name, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	b := m.current
	m.mu.Unlock()
	if b == nil {
		return apperr.ErrNoChannel
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteEvent(ev); err != nil {
		return &apperr.ChannelError{Op: "send", Err: err}
	}
	return nil
}

// Subscribe attaches h to events called name on the open channel. The
// subscription dies with the channel; the returned func detaches it earlier.
func (m *Manager) Subscribe(name string, h Handler) (func(), error) {
	m.mu.Lock()
	b := m.current
	m.mu.Unlock()
	if b == nil {
		return nil, apperr.ErrNoChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperr.ErrNoChannel
	}

	id := b.nextID
	b.nextID++
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]Handler)
	}
	b.subs[name][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[name], id)
		})
	}, nil
}

// Close closes the open channel and waits for its reader to stop.
func (m *Manager) Close() error {
	err := m.Rebind(context.Background(), nil)
	m.readers.Wait()
	return err
}

func (m *Manager) readLoop(b *binding) {
	defer m.readers.Done()

	for {
		ev, err := b.conn.ReadEvent()
		if errors.Is(err, ErrMalformedEvent) {
			log.Warn("dropping inbound frame", zap.String("identity", b.identity), zap.Error(err))
			continue
		}
		if err != nil {
			if b.close() {
				m.lost(b, err)
			}
			return
		}

		for _, h := range b.handlers(ev.Name) {
			h(ev.Data)
		}
	}
}

func (m *Manager) lost(b *binding, err error) {
	m.mu.Lock()
	current := m.current == b
	if current {
		m.current = nil
	}
	m.mu.Unlock()

	log.Warn("channel lost", zap.String("identity", b.identity), zap.Error(err))
	if current && m.onLost != nil {
		m.onLost(&apperr.ChannelError{Op: "read", Err: err})
	}
}

func (b *binding) handlers(name string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	hs := make([]Handler, 0, len(b.subs[name]))
	for _, h := range b.subs[name] {
		hs = append(hs, h)
	}
	return hs
}

// close releases the connection and drops every subscription. It reports
// whether this call was the one that closed it.
func (b *binding) close() bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	b.subs = nil
	b.mu.Unlock()

	if err := b.conn.Close(); err != nil {
		log.Debug("close channel connection", zap.Error(err))
	}
	return true
}
