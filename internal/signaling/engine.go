package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/presence"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/turnrest"
)

// Outbox delivers encoded frames to connections. Implementations must not
// block: a frame that cannot be queued is dropped.
type Outbox interface {
	Send(conn presence.ConnID, data []byte)
	Broadcast(data []byte)
}

type CredentialIssuer interface {
	Issue(label string) turnrest.Credential
}

type EngineConfig struct {
	Registry    *presence.Registry
	Outbox      Outbox
	Credentials CredentialIssuer
	// TURNURLs are echoed in turn-credentials so clients can build their
	// ICE configuration without a separate lookup.
	TURNURLs []string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine applies client events to the presence registry and fans the
// resulting notifications out through the Outbox.
//
// Membership changes and their notifications are serialized by mu, so every
// connection observes room events in the same order the registry applied
// them.
type Engine struct {
	mu sync.Mutex

	reg      *presence.Registry
	out      Outbox
	creds    CredentialIssuer
	turnURLs []string
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credential issuer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		reg:      cfg.Registry,
		out:      cfg.Outbox,
		creds:    cfg.Credentials,
		turnURLs: append([]string(nil), cfg.TURNURLs...),
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}, nil
}

// HandleMessage decodes a single client frame and dispatches it. Malformed
// frames are counted and otherwise ignored.
func (e *Engine) HandleMessage(conn presence.ConnID, data []byte) {
	msg, err := parseInboundMessage(data)
	if err != nil {
		e.metrics.Inc(metrics.MalformedMessage)
		e.log.Debug("ignoring malformed signaling message", "conn_id", conn, "err", err)
		return
	}

	switch msg.Type {
	case messageTypeJoinRoom:
		e.Join(conn, msg.RoomID, msg.PeerID, msg.DisplayName)
	case messageTypeListRooms:
		e.ListRooms(conn)
	case messageTypeLeaveRoom:
		e.Leave(conn)
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		e.Relay(conn, string(msg.Type), msg.To, msg.From, msg.body())
	case messageTypeMuteStatus:
		e.SetMuted(conn, *msg.IsMuted)
	}
}

// Join binds conn into roomID. An empty displayName falls back to peerID.
func (e *Engine) Join(conn presence.ConnID, roomID, peerID, displayName string) {
	if displayName == "" {
		displayName = peerID
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.reg.Bind(conn, roomID, peerID, displayName)
	if err != nil {
		e.metrics.Inc(metrics.RoomJoinRejected)
		e.log.Info("room join rejected", "conn_id", conn, "room_id", roomID, "peer_id", peerID, "err", err)
		code := "join_rejected"
		if errors.Is(err, presence.ErrPeerIDTaken) {
			code = "peer_id_taken"
		}
		e.sendError(conn, code, "peer id is already in use in this room")
		return
	}
	e.metrics.Inc(metrics.RoomJoin)

	if d := res.Displaced; d != nil {
		e.metrics.Inc(metrics.RoomLeave)
		e.notifyPeerLeft(d.Binding, d.Remaining)
	}

	cred := e.creds.Issue(peerID)
	e.metrics.Inc(metrics.CredentialsIssued)
	e.send(conn, turnCredentialsMessage{
		Type:     messageTypeTURNCredentials,
		Username: cred.Username,
		Secret:   cred.Secret,
		TTL:      int64(cred.TTL / time.Second),
		URLs:     e.turnURLs,
	})

	if len(res.Before) > 0 {
		e.send(conn, roomPeersMessage{Type: messageTypeRoomPeers, RoomID: roomID, Peers: res.Before})

		joined, err := json.Marshal(peerJoinedMessage{Type: messageTypePeerJoined, PeerID: peerID, DisplayName: displayName})
		if err == nil {
			for _, p := range res.Before {
				e.out.Send(p.Conn, joined)
			}
		}
	}

	e.log.Info("peer joined room",
		"conn_id", conn,
		"room_id", roomID,
		"peer_id", peerID,
		"new_room", res.IsNewRoom,
		"peers_before", len(res.Before),
	)
	e.broadcastRoomListLocked()
}

func (e *Engine) ListRooms(conn presence.ConnID) {
	e.send(conn, roomListMessage{Type: messageTypeRoomList, Rooms: e.reg.SnapshotAll()})
}

// Leave removes conn from its room. It is a no-op for an unbound connection.
func (e *Engine) Leave(conn presence.ConnID) {
	if e.depart(conn) {
		e.metrics.Inc(metrics.RoomLeave)
	}
}

// Disconnect is called by the transport once a connection is gone.
func (e *Engine) Disconnect(conn presence.ConnID) {
	if e.depart(conn) {
		e.metrics.Inc(metrics.RoomDisconnect)
	}
}

func (e *Engine) depart(conn presence.ConnID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	dep, ok := e.reg.Unbind(conn)
	if !ok {
		return false
	}
	e.notifyPeerLeft(dep.Binding, dep.Remaining)
	e.log.Info("peer left room",
		"conn_id", conn,
		"room_id", dep.RoomID,
		"peer_id", dep.PeerID,
		"peers_remaining", len(dep.Remaining),
	)
	e.broadcastRoomListLocked()
	return true
}

func (e *Engine) SetMuted(conn presence.ConnID, isMuted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.reg.SetMuted(conn, isMuted)
	if !ok {
		return
	}
	e.metrics.Inc(metrics.MuteUpdate)

	data, err := json.Marshal(peerMuteStatusMessage{Type: messageTypePeerMuteStatus, PeerID: b.PeerID, IsMuted: isMuted})
	if err != nil {
		return
	}
	for _, p := range e.reg.Peers(b.RoomID) {
		if p.Conn == conn {
			continue
		}
		e.out.Send(p.Conn, data)
	}
}

// Relay forwards an opaque negotiation payload to the connection(s) bound to
// peer ID `to`. Unknown targets are dropped.
func (e *Engine) Relay(conn presence.ConnID, kind, to, from string, payload json.RawMessage) {
	targets := e.reg.Route(conn, to)
	if len(targets) == 0 {
		e.metrics.Inc(metrics.RelayUnknownTarget)
		e.log.Debug("relay target not found", "conn_id", conn, "event", kind, "to", to)
		return
	}

	msg := newRelayMessage(messageType(kind), from, payload)
	if b, ok := e.reg.Lookup(conn); ok {
		if msg.From == "" {
			msg.From = b.PeerID
		}
		if kind != string(messageTypeICECandidate) {
			msg.DisplayName = b.DisplayName
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		e.metrics.Inc(metrics.MalformedMessage)
		return
	}
	for _, target := range targets {
		e.out.Send(target, data)
		e.metrics.Inc(metrics.RelayDelivered)
	}
}

func (e *Engine) notifyPeerLeft(b presence.Binding, remaining []presence.Peer) {
	if len(remaining) == 0 {
		return
	}
	data, err := json.Marshal(peerLeftMessage{Type: messageTypePeerLeft, PeerID: b.PeerID})
	if err != nil {
		return
	}
	for _, p := range remaining {
		e.out.Send(p.Conn, data)
	}
}

func (e *Engine) broadcastRoomListLocked() {
	data, err := json.Marshal(roomListMessage{Type: messageTypeRoomListUpdate, Rooms: e.reg.SnapshotAll()})
	if err != nil {
		e.log.Error("encode room list", "err", err)
		return
	}
	e.out.Broadcast(data)
}

func (e *Engine) send(conn presence.ConnID, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		e.log.Error("encode signaling message", "err", err)
		return
	}
	e.out.Send(conn, data)
}

func (e *Engine) sendError(conn presence.ConnID, code, message string) {
	e.send(conn, errorMessage{Type: messageTypeError, Code: code, Message: message})
}
