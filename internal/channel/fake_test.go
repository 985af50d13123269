package channel

import (
	"context"
	"errors"
	"io"
	"sync"

	"chat_sync/internal/model"
	"chat_sync/internal/session"
)

type fakeConn struct {
	identity string
	events   chan model.Event

	mu      sync.Mutex
	written []model.Event
	closes  int
	done    chan struct{}
	fail    chan error
}

func newFakeConn(identity string) *fakeConn {
	return &fakeConn{
		identity: identity,
		events:   make(chan model.Event, 16),
		done:     make(chan struct{}),
		fail:     make(chan error, 1),
	}
}

func (c *fakeConn) ReadEvent() (model.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.fail:
		return model.Event{}, err
	case <-c.done:
		return model.Event{}, io.EOF
	}
}

func (c *fakeConn) WriteEvent(ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		close(c.done)
	}
	return nil
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) Written() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Event(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	// log records "open:<id>" and "close:<id>" in the order they happen.
	log []string
}

func (d *fakeDialer) Dial(_ context.Context, cred session.Credential) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	for _, c := range d.conns {
		if c.Closes() == 0 {
			return nil, errors.New("dial while another connection is open")
		}
	}
	c := newFakeConn(cred.Identity)
	d.conns = append(d.conns, c)
	d.log = append(d.log, "open:"+cred.Identity)
	return &loggedConn{fakeConn: c, dialer: d}, nil
}

func (d *fakeDialer) Conns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) Log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

type loggedConn struct {
	*fakeConn
	dialer *fakeDialer
}

func (c *loggedConn) Close() error {
	c.dialer.mu.Lock()
	c.dialer.log = append(c.dialer.log, "close:"+c.identity)
	c.dialer.mu.Unlock()
	return c.fakeConn.Close()
}
