// Package signalclient speaks the room signaling wire protocol over a
// WebSocket. It is used by the operator CLI and by end-to-end tests.
package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/presence"
)

const (
	writeWait      = 5 * time.Second
	incomingBuffer = 64
)

var ErrClosed = errors.New("signalclient: connection closed")

// Event is a single server frame. Raw holds the complete JSON object.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the whole frame into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

type TURNCredentials struct {
	Username string   `json:"username"`
	Secret   string   `json:"secret"`
	TTL      int64    `json:"ttl"`
	URLs     []string `json:"urls"`
}

type RoomPeers struct {
	RoomID string          `json:"roomId"`
	Peers  []presence.Peer `json:"peers"`
}

type RoomList struct {
	Rooms []presence.Room `json:"rooms"`
}

type PeerEvent struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	IsMuted     bool   `json:"isMuted"`
}

type Relay struct {
	From        string          `json:"from"`
	DisplayName string          `json:"displayName"`
	Payload     json.RawMessage `json:"payload"`
}

type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("signaling error %s: %s", e.Code, e.Message)
}

type Options struct {
	// Origin is sent as the Origin header. Servers without a matching
	// allowlist entry reject cross-origin upgrades.
	Origin string
	Header http.Header
	// MaxMessageBytes caps inbound frames. Zero means no limit: room lists
	// grow with the number of bound peers and have no fixed bound.
	MaxMessageBytes int64
}

type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	incoming chan Event
	done     chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	readErr   error
}

// Dial connects to a signaling endpoint. rawURL may use http(s) or ws(s).
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	u, err := websocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan Event, incomingBuffer),
		done:     make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/signal"
	}
	return u.String(), nil
}

func (c *Client) readPump() {
	defer close(c.incoming)
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}
		select {
		case c.incoming <- Event{Type: head.Type, Raw: data}:
		case <-c.done:
			return
		}
	}
}

// Err reports why the read side stopped, or nil while it is running.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Send writes msg as a JSON text frame.
func (c *Client) Send(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *Client) Join(roomID, peerID, displayName string) error {
	msg := map[string]any{"type": "join-room", "roomId": roomID, "peerId": peerID}
	if displayName != "" {
		msg["displayName"] = displayName
	}
	return c.Send(msg)
}

func (c *Client) ListRooms() error {
	return c.Send(map[string]any{"type": "list-rooms"})
}

func (c *Client) LeaveRoom() error {
	return c.Send(map[string]any{"type": "leave-room"})
}

func (c *Client) SetMuted(isMuted bool) error {
	return c.Send(map[string]any{"type": "mute-status", "isMuted": isMuted})
}

// Relay sends an offer, answer or ice-candidate addressed to peer `to`.
func (c *Client) Relay(kind, to string, payload any) error {
	return c.Send(map[string]any{"type": kind, "to": to, "payload": payload})
}

// Next returns the next server event.
func (c *Client) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.incoming:
		if !ok {
			if err := c.Err(); err != nil {
				return Event{}, err
			}
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Await skips events until one of type typ arrives. An error frame that
// arrives first is returned as a *ServerError.
func (c *Client) Await(ctx context.Context, typ string) (Event, error) {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return Event{}, err
		}
		if ev.Type == typ {
			return ev, nil
		}
		if ev.Type == "error" {
			var se ServerError
			if err := ev.Decode(&se); err != nil {
				return Event{}, err
			}
			return Event{}, &se
		}
	}
}

// Close sends a normal closure and tears down the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
