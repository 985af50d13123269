package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chat_sync/internal/model"
	"chat_sync/internal/session"

	"github.com/gorilla/websocket"
)

type (
	// WebsocketDialer opens channels on a websocket endpoint such as
	// ws://localhost:3001/ws.
	WebsocketDialer struct {
		Endpoint string
		Dialer   *websocket.Dialer
	}

	wsConn struct {
		conn *websocket.Conn
	}
)

func NewWebsocketDialer(endpoint string) *WebsocketDialer {
	return &WebsocketDialer{
		Endpoint: endpoint,
		Dialer:   websocket.DefaultDialer,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, cred session.Credential) (Conn, error) {
	header := http.Header{}
	if cred.Authenticated() {
		header.Set("Authorization", "Bearer "+cred.Token)
	}

	conn, resp, err := d.Dialer.DialContext(ctx, d.Endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", d.Endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.Endpoint, err)
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) ReadEvent() (model.Event, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return model.Event{}, err
	}

	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func (c *wsConn) WriteEvent(ev model.Event) error {
	return c.conn.WriteJSON(&ev)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
