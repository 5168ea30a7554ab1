package signaling

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/presence"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/turnrest"
)

type recordedFrame struct {
	to        presence.ConnID
	broadcast bool
	msg       map[string]any
}

type recordingOutbox struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (o *recordingOutbox) Send(conn presence.ConnID, data []byte) {
	o.record(recordedFrame{to: conn}, data)
}

func (o *recordingOutbox) Broadcast(data []byte) {
	o.record(recordedFrame{broadcast: true}, data)
}

func (o *recordingOutbox) record(f recordedFrame, data []byte) {
	if err := json.Unmarshal(data, &f.msg); err != nil {
		panic(fmt.Sprintf("outbox received invalid JSON %q: %v", data, err))
	}
	o.mu.Lock()
	o.frames = append(o.frames, f)
	o.mu.Unlock()
}

// take returns and clears everything recorded so far.
func (o *recordingOutbox) take() []recordedFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.frames
	o.frames = nil
	return out
}

func sentTo(frames []recordedFrame, conn presence.ConnID) []map[string]any {
	var out []map[string]any
	for _, f := range frames {
		if !f.broadcast && f.to == conn {
			out = append(out, f.msg)
		}
	}
	return out
}

func broadcasts(frames []recordedFrame) []map[string]any {
	var out []map[string]any
	for _, f := range frames {
		if f.broadcast {
			out = append(out, f.msg)
		}
	}
	return out
}

func types(msgs []map[string]any) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		s, _ := m["type"].(string)
		out = append(out, s)
	}
	return out
}

type engineFixture struct {
	engine  *Engine
	out     *recordingOutbox
	reg     *presence.Registry
	metrics *metrics.Metrics
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()

	issuer, err := turnrest.NewIssuer(turnrest.IssuerConfig{
		Secret: "test-secret",
		TTL:    time.Hour,
		Now:    func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	f := engineFixture{
		out:     &recordingOutbox{},
		reg:     presence.NewRegistry(),
		metrics: metrics.New(),
	}
	f.engine, err = NewEngine(EngineConfig{
		Registry:    f.reg,
		Outbox:      f.out,
		Credentials: issuer,
		TURNURLs:    []string{"turn:turn.example.com:3478"},
		Metrics:     f.metrics,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return f
}

func (f engineFixture) handle(t *testing.T, conn presence.ConnID, raw string) {
	t.Helper()
	f.engine.HandleMessage(conn, []byte(raw))
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	if _, err := NewEngine(EngineConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
	if _, err := NewEngine(EngineConfig{Registry: presence.NewRegistry(), Outbox: &recordingOutbox{}}); err == nil {
		t.Fatalf("expected error for missing credential issuer")
	}
}

func TestEngine_FirstJoinReceivesCredentialsOnly(t *testing.T) {
	f := newEngineFixture(t)

	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice","displayName":"Alice"}`)
	frames := f.out.take()

	toA := sentTo(frames, "a")
	if got := types(toA); fmt.Sprint(got) != "[turn-credentials]" {
		t.Fatalf("messages to a=%v, want [turn-credentials]", got)
	}
	cred := toA[0]
	if cred["username"] != "1700003600:alice" {
		t.Fatalf("username=%v", cred["username"])
	}
	if cred["ttl"] != float64(3600) {
		t.Fatalf("ttl=%v, want 3600", cred["ttl"])
	}
	want := turnrest.Issue([]byte("test-secret"), time.Unix(1_700_000_000, 0), "alice", time.Hour)
	if cred["secret"] != want.Secret {
		t.Fatalf("secret=%v, want %v", cred["secret"], want.Secret)
	}
	if urls, _ := cred["urls"].([]any); len(urls) != 1 || urls[0] != "turn:turn.example.com:3478" {
		t.Fatalf("urls=%v", cred["urls"])
	}

	b := broadcasts(frames)
	if len(b) != 1 || b[0]["type"] != "room-list-update" {
		t.Fatalf("broadcasts=%v, want one room-list-update", b)
	}
	rooms := b[0]["rooms"].([]any)
	room := rooms[0].(map[string]any)
	if room["roomId"] != "r1" || room["peerCount"] != float64(1) {
		t.Fatalf("room=%v", room)
	}

	if got := f.metrics.Get(metrics.RoomJoin); got != 1 {
		t.Fatalf("room_join=%d, want 1", got)
	}
	if got := f.metrics.Get(metrics.CredentialsIssued); got != 1 {
		t.Fatalf("credentials_issued=%d, want 1", got)
	}
}

func TestEngine_AliceBobNegotiation(t *testing.T) {
	f := newEngineFixture(t)

	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice","displayName":"Alice"}`)
	f.out.take()

	f.handle(t, "b", `{"type":"join-room","roomId":"r1","peerId":"bob","displayName":"Bob"}`)
	frames := f.out.take()

	toB := sentTo(frames, "b")
	if got := types(toB); fmt.Sprint(got) != "[turn-credentials room-peers]" {
		t.Fatalf("messages to b=%v", got)
	}
	peers := toB[1]["peers"].([]any)
	if len(peers) != 1 {
		t.Fatalf("room-peers=%v, want only alice", peers)
	}
	alice := peers[0].(map[string]any)
	if alice["peerId"] != "alice" || alice["displayName"] != "Alice" || alice["isMuted"] != false {
		t.Fatalf("peer=%v", alice)
	}

	toA := sentTo(frames, "a")
	if len(toA) != 1 || toA[0]["type"] != "peer-joined" || toA[0]["peerId"] != "bob" || toA[0]["displayName"] != "Bob" {
		t.Fatalf("messages to a=%v, want peer-joined bob", toA)
	}
	if b := broadcasts(frames); len(b) != 1 {
		t.Fatalf("broadcasts=%d, want 1", len(b))
	}

	f.handle(t, "b", `{"type":"offer","to":"alice","payload":{"type":"offer","sdp":"v=0"}}`)
	frames = f.out.take()
	toA = sentTo(frames, "a")
	if len(toA) != 1 {
		t.Fatalf("messages to a=%v", toA)
	}
	offer := toA[0]
	if offer["type"] != "offer" || offer["from"] != "bob" || offer["displayName"] != "Bob" {
		t.Fatalf("offer=%v", offer)
	}
	if sdp := offer["payload"].(map[string]any)["sdp"]; sdp != "v=0" {
		t.Fatalf("payload sdp=%v", sdp)
	}

	f.handle(t, "a", `{"type":"answer","to":"bob","from":"alice","answer":{"type":"answer","sdp":"v=1"}}`)
	toB = sentTo(f.out.take(), "b")
	if len(toB) != 1 || toB[0]["type"] != "answer" || toB[0]["from"] != "alice" || toB[0]["displayName"] != "Alice" {
		t.Fatalf("answer=%v", toB)
	}

	f.handle(t, "a", `{"type":"ice-candidate","to":"bob","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}}`)
	toB = sentTo(f.out.take(), "b")
	if len(toB) != 1 || toB[0]["type"] != "ice-candidate" || toB[0]["from"] != "alice" {
		t.Fatalf("ice-candidate=%v", toB)
	}
	if _, ok := toB[0]["displayName"]; ok {
		t.Fatalf("ice-candidate must not carry displayName: %v", toB[0])
	}

	if got := f.metrics.Get(metrics.RelayDelivered); got != 3 {
		t.Fatalf("relay_delivered=%d, want 3", got)
	}
}

func TestEngine_DisconnectNotifiesRemainingPeers(t *testing.T) {
	f := newEngineFixture(t)
	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice"}`)
	f.handle(t, "b", `{"type":"join-room","roomId":"r1","peerId":"bob"}`)
	f.out.take()

	f.engine.Disconnect("b")
	frames := f.out.take()

	toA := sentTo(frames, "a")
	if len(toA) != 1 || toA[0]["type"] != "peer-left" || toA[0]["peerId"] != "bob" {
		t.Fatalf("messages to a=%v, want peer-left bob", toA)
	}
	if len(sentTo(frames, "b")) != 0 {
		t.Fatalf("departed connection must not be addressed")
	}
	b := broadcasts(frames)
	if len(b) != 1 {
		t.Fatalf("broadcasts=%v", b)
	}
	room := b[0]["rooms"].([]any)[0].(map[string]any)
	if room["peerCount"] != float64(1) {
		t.Fatalf("room=%v, want one peer", room)
	}

	// A second disconnect for the same connection does nothing.
	f.engine.Disconnect("b")
	if frames := f.out.take(); len(frames) != 0 {
		t.Fatalf("repeat disconnect produced %v", frames)
	}
	if got := f.metrics.Get(metrics.RoomDisconnect); got != 1 {
		t.Fatalf("room_disconnect=%d, want 1", got)
	}
}

func TestEngine_LastPeerLeavingDeletesRoom(t *testing.T) {
	f := newEngineFixture(t)
	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice"}`)
	f.out.take()

	f.handle(t, "a", `{"type":"leave-room"}`)
	frames := f.out.take()
	if len(sentTo(frames, "a")) != 0 {
		t.Fatalf("leaving peer must not be notified")
	}
	b := broadcasts(frames)
	if len(b) != 1 || len(b[0]["rooms"].([]any)) != 0 {
		t.Fatalf("broadcasts=%v, want empty room list", b)
	}

	// leave-room while unbound is a no-op.
	f.handle(t, "a", `{"type":"leave-room"}`)
	if frames := f.out.take(); len(frames) != 0 {
		t.Fatalf("unbound leave produced %v", frames)
	}
}

func TestEngine_RejoinLeavesPreviousRoom(t *testing.T) {
	f := newEngineFixture(t)
	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice"}`)
	f.handle(t, "b", `{"type":"join-room","roomId":"r1","peerId":"bob"}`)
	f.out.take()

	f.handle(t, "a", `{"type":"join-room","roomId":"r2","peerId":"alice"}`)
	frames := f.out.take()

	toB := sentTo(frames, "b")
	if len(toB) != 1 || toB[0]["type"] != "peer-left" || toB[0]["peerId"] != "alice" {
		t.Fatalf("messages to b=%v, want peer-left alice", toB)
	}
	if got := types(sentTo(frames, "a")); fmt.Sprint(got) != "[turn-credentials]" {
		t.Fatalf("messages to a=%v", got)
	}
	rooms := f.reg.SnapshotAll()
	if len(rooms) != 2 || rooms[0].PeerCount != 1 || rooms[1].PeerCount != 1 {
		t.Fatalf("rooms=%+v", rooms)
	}
}

func TestEngine_DuplicatePeerIDRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice"}`)
	f.out.take()

	f.handle(t, "m", `{"type":"join-room","roomId":"r1","peerId":"alice"}`)
	frames := f.out.take()
	if len(frames) != 1 {
		t.Fatalf("frames=%v, want a single error", frames)
	}
	toM := sentTo(frames, "m")
	if len(toM) != 1 || toM[0]["type"] != "error" || toM[0]["code"] != "peer_id_taken" {
		t.Fatalf("messages to m=%v", toM)
	}
	if got := f.metrics.Get(metrics.RoomJoinRejected); got != 1 {
		t.Fatalf("room_join_rejected=%d, want 1", got)
	}
}

func TestEngine_MuteWhileAloneThenJoin(t *testing.T) {
	f := newEngineFixture(t)
	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice"}`)
	f.out.take()

	f.handle(t, "a", `{"type":"mute-status","isMuted":true}`)
	if frames := f.out.take(); len(frames) != 0 {
		t.Fatalf("mute while alone produced %v", frames)
	}

	f.handle(t, "b", `{"type":"join-room","roomId":"r1","peerId":"bob"}`)
	toB := sentTo(f.out.take(), "b")
	peers := toB[1]["peers"].([]any)
	if peers[0].(map[string]any)["isMuted"] != true {
		t.Fatalf("room-peers=%v, want alice muted", peers)
	}

	f.handle(t, "a", `{"type":"mute-status","isMuted":false}`)
	frames := f.out.take()
	toB = sentTo(frames, "b")
	if len(toB) != 1 || toB[0]["type"] != "peer-mute-status" || toB[0]["peerId"] != "alice" || toB[0]["isMuted"] != false {
		t.Fatalf("messages to b=%v", toB)
	}
	if len(sentTo(frames, "a")) != 0 || len(broadcasts(frames)) != 0 {
		t.Fatalf("mute update must only reach other peers: %v", frames)
	}
}

func TestEngine_MuteWhileUnboundIgnored(t *testing.T) {
	f := newEngineFixture(t)
	f.handle(t, "a", `{"type":"mute-status","isMuted":true}`)
	if frames := f.out.take(); len(frames) != 0 {
		t.Fatalf("frames=%v", frames)
	}
	if got := f.metrics.Get(metrics.MuteUpdate); got != 0 {
		t.Fatalf("mute_update=%d, want 0", got)
	}
}

func TestEngine_RelayToUnknownPeerDropped(t *testing.T) {
	for _, raw := range []string{
		`{"type":"offer","to":"ghost","payload":{"sdp":"x"}}`,
		`{"type":"answer","to":"ghost","answer":{"sdp":"x"}}`,
		`{"type":"ice-candidate","to":"ghost","candidate":{"candidate":"x"}}`,
	} {
		f := newEngineFixture(t)
		f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice"}`)
		f.handle(t, "b", `{"type":"join-room","roomId":"r1","peerId":"bob"}`)
		f.out.take()

		f.handle(t, "a", raw)
		if frames := f.out.take(); len(frames) != 0 {
			t.Fatalf("%s: frames=%v, want none", raw, frames)
		}
		if got := f.metrics.Get(metrics.RelayUnknownTarget); got != 1 {
			t.Fatalf("%s: relay_unknown_target=%d, want 1", raw, got)
		}
		if got := f.metrics.Get(metrics.RelayDelivered); got != 0 {
			t.Fatalf("%s: relay_delivered=%d, want 0", raw, got)
		}
	}
}

func TestEngine_ExtraKeysDoNotBlockEvents(t *testing.T) {
	f := newEngineFixture(t)

	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice","token":"x"}`)
	if got := types(sentTo(f.out.take(), "a")); fmt.Sprint(got) != "[turn-credentials]" {
		t.Fatalf("messages to a=%v", got)
	}
	f.handle(t, "b", `{"type":"join-room","roomId":"r1","peerId":"bob","isMuted":false}`)
	f.out.take()
	if peers := f.reg.Peers("r1"); len(peers) != 2 {
		t.Fatalf("peers=%v, want alice and bob bound", peers)
	}

	f.handle(t, "b", `{"type":"offer","to":"alice","displayName":"Mallory","offer":{"sdp":"v=0"}}`)
	toA := sentTo(f.out.take(), "a")
	if len(toA) != 1 || toA[0]["type"] != "offer" || toA[0]["displayName"] != "bob" {
		t.Fatalf("messages to a=%v, want offer with bound display name", toA)
	}
	if got := f.metrics.Get(metrics.MalformedMessage); got != 0 {
		t.Fatalf("malformed_message=%d, want 0", got)
	}
}

func TestEngine_RelayEchoesSocketIOKey(t *testing.T) {
	f := newEngineFixture(t)
	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice"}`)
	f.handle(t, "b", `{"type":"join-room","roomId":"r1","peerId":"bob"}`)
	f.out.take()

	for _, tc := range []struct {
		raw, key string
	}{
		{raw: `{"type":"offer","to":"bob","payload":{"sdp":"o"}}`, key: "offer"},
		{raw: `{"type":"answer","to":"bob","answer":{"sdp":"a"}}`, key: "answer"},
		{raw: `{"type":"ice-candidate","to":"bob","payload":{"candidate":"c"}}`, key: "candidate"},
	} {
		f.handle(t, "a", tc.raw)
		toB := sentTo(f.out.take(), "b")
		if len(toB) != 1 {
			t.Fatalf("%s: messages to b=%v", tc.raw, toB)
		}
		if fmt.Sprint(toB[0]["payload"]) != fmt.Sprint(toB[0][tc.key]) {
			t.Fatalf("%s: payload=%v %s=%v, want equal", tc.raw, toB[0]["payload"], tc.key, toB[0][tc.key])
		}
		for _, other := range []string{"offer", "answer", "candidate"} {
			if _, ok := toB[0][other]; ok && other != tc.key {
				t.Fatalf("%s: unexpected %q key: %v", tc.raw, other, toB[0])
			}
		}
	}
}

func TestEngine_RelayStaysInSendersRoom(t *testing.T) {
	f := newEngineFixture(t)
	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice"}`)
	f.handle(t, "b", `{"type":"join-room","roomId":"r1","peerId":"bob"}`)
	f.handle(t, "c", `{"type":"join-room","roomId":"r2","peerId":"bob"}`)
	f.out.take()

	f.handle(t, "a", `{"type":"offer","to":"bob","payload":{}}`)
	frames := f.out.take()
	if len(sentTo(frames, "b")) != 1 || len(sentTo(frames, "c")) != 0 {
		t.Fatalf("frames=%v, want delivery to b only", frames)
	}
}

func TestEngine_UnboundSenderRelaysWithClaimedFrom(t *testing.T) {
	f := newEngineFixture(t)
	f.handle(t, "b", `{"type":"join-room","roomId":"r1","peerId":"bob"}`)
	f.out.take()

	f.handle(t, "x", `{"type":"offer","to":"bob","from":"someone","payload":{"sdp":"x"}}`)
	toB := sentTo(f.out.take(), "b")
	if len(toB) != 1 || toB[0]["from"] != "someone" {
		t.Fatalf("messages to b=%v", toB)
	}
	if _, ok := toB[0]["displayName"]; ok {
		t.Fatalf("unbound sender has no displayName: %v", toB[0])
	}
}

func TestEngine_ListRoomsRepliesToCaller(t *testing.T) {
	f := newEngineFixture(t)
	f.handle(t, "a", `{"type":"join-room","roomId":"r1","peerId":"alice"}`)
	f.out.take()

	f.handle(t, "x", `{"type":"list-rooms"}`)
	frames := f.out.take()
	toX := sentTo(frames, "x")
	if len(frames) != 1 || len(toX) != 1 || toX[0]["type"] != "room-list" {
		t.Fatalf("frames=%v, want a single room-list to x", frames)
	}
	rooms := toX[0]["rooms"].([]any)
	if len(rooms) != 1 || rooms[0].(map[string]any)["roomId"] != "r1" {
		t.Fatalf("rooms=%v", rooms)
	}
}

func TestEngine_MalformedMessagesIgnored(t *testing.T) {
	f := newEngineFixture(t)
	for _, raw := range []string{
		`not json`,
		`{"type":"bogus"}`,
		`{"type":"join-room","roomId":"r1"}`,
		`{"type":"offer","payload":{}}`,
		`{"type":"mute-status"}`,
	} {
		f.handle(t, "a", raw)
	}
	if frames := f.out.take(); len(frames) != 0 {
		t.Fatalf("frames=%v, want none", frames)
	}
	if got := f.metrics.Get(metrics.MalformedMessage); got != 5 {
		t.Fatalf("malformed_message=%d, want 5", got)
	}
}

func TestEngine_ConcurrentJoinsAnnounceEveryPair(t *testing.T) {
	f := newEngineFixture(t)
	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.engine.Join(presence.ConnID(fmt.Sprintf("c%d", i)), "r1", fmt.Sprintf("p%d", i), "")
		}(i)
	}
	wg.Wait()

	// Every pair of peers must learn about each other exactly once: either
	// through room-peers at join time or a later peer-joined.
	frames := f.out.take()
	for i := 0; i < n; i++ {
		conn := presence.ConnID(fmt.Sprintf("c%d", i))
		known := map[string]int{}
		for _, m := range sentTo(frames, conn) {
			switch m["type"] {
			case "room-peers":
				for _, p := range m["peers"].([]any) {
					known[p.(map[string]any)["peerId"].(string)]++
				}
			case "peer-joined":
				known[m["peerId"].(string)]++
			}
		}
		if len(known) != n-1 {
			t.Fatalf("%s knows %d peers, want %d", conn, len(known), n-1)
		}
		for id, c := range known {
			if c != 1 {
				t.Fatalf("%s learned about %s %d times", conn, id, c)
			}
		}
	}

	b := broadcasts(frames)
	if len(b) != n {
		t.Fatalf("broadcasts=%d, want %d", len(b), n)
	}
	last := b[len(b)-1]["rooms"].([]any)[0].(map[string]any)
	if last["peerCount"] != float64(n) {
		t.Fatalf("final room list=%v, want %d peers", last, n)
	}
}
