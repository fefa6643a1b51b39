package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coopsync/lobby"
	"coopsync/server"
	"coopsync/toggle"
)

type harness struct {
	t   *testing.T
	mgr *server.RoomManager
	srv *httptest.Server
	url string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.TickRate = 200
	cfg.CommandRate = 0
	mgr := server.NewRoomManager(context.Background(), cfg)
	t.Cleanup(mgr.Close)
	mux := http.NewServeMux()
	mgr.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &harness{t: t, mgr: mgr, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (h *harness) dial(room, peer string, onEffect func(Effect)) *Client {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: h.url, Room: room, Peer: peer, OnEffect: onEffect})
	if err != nil {
		h.t.Fatalf("dial %s: %v", peer, err)
	}
	h.t.Cleanup(func() { c.Close() })
	if err := c.WaitReady(ctx); err != nil {
		h.t.Fatalf("%s ready: %v", peer, err)
	}
	return c
}

func waitFor(t *testing.T, c *Client, what string, cond func(*Client) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitFor(ctx, cond); err != nil {
		t.Fatalf("waiting for %s: %v", what, err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func slot(c *Client, seat int) uint8 {
	s, _ := c.Lobby().Seat(seat)
	return s.Slot.Read()
}

func ready(c *Client, seat int) bool {
	s, _ := c.Lobby().Seat(seat)
	return s.Ready.Read()
}

type effectLog struct {
	mu  sync.Mutex
	all []Effect
}

func (l *effectLog) add(e Effect) {
	l.mu.Lock()
	l.all = append(l.all, e)
	l.mu.Unlock()
}

func (l *effectLog) named(name string) []Effect {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Effect
	for _, e := range l.all {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func TestLobbyNegotiationOverWebSocket(t *testing.T) {
	h := newHarness(t)
	var hostEffects, guestEffects effectLog
	alice := h.dial("duo", "alice", hostEffects.add)
	bob := h.dial("duo", "bob", guestEffects.add)
	if alice.Seat() != lobby.HostSeat || bob.Seat() != 1 {
		t.Fatalf("seats = %d, %d", alice.Seat(), bob.Seat())
	}
	if code := alice.Lobby().JoinCode(); code == "" || code != bob.Lobby().JoinCode() {
		t.Fatalf("join codes = %q, %q", code, bob.Lobby().JoinCode())
	}

	// 双方选同一角色：冲突，均不可确认
	must(t, alice.SelectSlot(0))
	waitFor(t, bob, "host slot", func(c *Client) bool { return slot(c, 0) == 0 })
	must(t, bob.SelectSlot(0))
	waitFor(t, alice, "guest slot", func(c *Client) bool { return slot(c, 1) == 0 })
	if alice.CanConfirm() || bob.CanConfirm() {
		t.Fatalf("conflicting slots confirmable")
	}

	// 绕过本地判断直接发送，仲裁者必须拒绝
	must(t, bob.ToggleReady())
	must(t, bob.SelectSlot(1))
	for _, c := range []*Client{alice, bob} {
		waitFor(t, c, "guest reselect", func(c *Client) bool { return slot(c, 1) == 1 })
	}
	if ready(alice, 1) {
		t.Fatalf("arbiter accepted ready on conflict")
	}
	room, _ := h.mgr.Room("duo")
	if rejected := room.Metrics().Snapshot()["commands_rejected"].(int64); rejected < 1 {
		t.Fatalf("rejected = %d", rejected)
	}
	if !alice.CanConfirm() || !bob.CanConfirm() {
		t.Fatalf("distinct slots not confirmable")
	}

	must(t, alice.ToggleReady())
	must(t, bob.ToggleReady())
	for _, c := range []*Client{alice, bob} {
		waitFor(t, c, "started", func(c *Client) bool { return c.Lobby().IsStarted() })
	}
	waitFor(t, bob, "start effect", func(*Client) bool { return len(guestEffects.named(server.EffectSessionStarted)) > 0 })

	started := guestEffects.named(server.EffectSessionStarted)
	if len(started) != 1 {
		t.Fatalf("session.started effects = %d", len(started))
	}
	seats, _ := started[0].Params["seats"].([]any)
	if len(seats) != 2 {
		t.Fatalf("seats param = %v", started[0].Params["seats"])
	}
	first, _ := seats[0].(map[string]any)
	if first["peer"] != "alice" || first["ability"] != string(toggle.KindFreeze) {
		t.Fatalf("host assignment = %v", first)
	}
	if len(hostEffects.named(lobby.EffectSlide)) < 3 {
		t.Fatalf("slide effects = %d", len(hostEffects.named(lobby.EffectSlide)))
	}
}

func TestToggleReplicatesAndLateJoinerSeesState(t *testing.T) {
	h := newHarness(t)
	var effects effectLog
	alice := h.dial("", "alice", effects.add)

	must(t, alice.Aim("bridge-1"))
	must(t, alice.Toggle("bridge-1"))
	waitFor(t, alice, "bridge active", func(c *Client) bool {
		obj, ok := c.Object("bridge-1")
		return ok && obj.State.Read() == toggle.Active
	})
	waitFor(t, alice, "enter effect", func(*Client) bool { return len(effects.named("fix."+server.EffectEnterActive)) == 1 })

	// 晚到者只收到快照，仍需看到当前状态与类型
	carol := h.dial("", "carol", nil)
	obj, ok := carol.Object("bridge-1")
	if !ok {
		t.Fatalf("late joiner missing object")
	}
	if obj.Kind != toggle.KindFix || obj.Label() != "Fixing" || obj.State.Version() != 1 {
		t.Fatalf("late joiner view = kind %q label %q version %d", obj.Kind, obj.Label(), obj.State.Version())
	}
	if err := obj.State.Write(toggle.Inactive); err == nil {
		t.Fatalf("peer wrote to replicated state")
	}

	// 重发同一序列号被仲裁者去重
	must(t, alice.Resend())
	room, _ := h.mgr.Room(server.DefaultRoomID)
	waitFor(t, alice, "dedup", func(*Client) bool { return room.Metrics().Snapshot()["old_seq_ignored"].(int64) == 1 })
	if obj, _ := alice.Object("bridge-1"); obj.State.Read() != toggle.Active {
		t.Fatalf("resend toggled again")
	}
}

func TestRuntimeSpawnReachesConnectedPeer(t *testing.T) {
	h := newHarness(t)
	alice := h.dial("", "alice", nil)

	resp, err := http.Post(h.srv.URL+"/admin/objects", "application/json",
		strings.NewReader(`{"id":"crate","kind":"freeze","active":true}`))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn status = %d", resp.StatusCode)
	}
	waitFor(t, alice, "crate", func(c *Client) bool {
		obj, ok := c.Object("crate")
		return ok && obj.Kind == toggle.KindFreeze && obj.Label() == "Freezing"
	})

	req, _ := http.NewRequest(http.MethodDelete, h.srv.URL+"/admin/objects?id=crate", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("despawn: %v", err)
	}
	resp.Body.Close()
	waitFor(t, alice, "crate removed", func(c *Client) bool {
		_, ok := c.Object("crate")
		return !ok
	})
}

func TestReconnectResumesSequence(t *testing.T) {
	h := newHarness(t)
	first := h.dial("", "alice", nil)
	must(t, first.SelectSlot(1))
	must(t, first.SelectSlot(0))
	waitFor(t, first, "slot", func(c *Client) bool { return slot(c, 0) == 0 })
	first.Close()

	// 新连接从仲裁者记录的序列号继续，新命令不会被当作重复
	second := h.dial("", "alice", nil)
	if second.Seat() != 0 || second.LastSeq() != 2 {
		t.Fatalf("reconnect seat %d lastSeq %d", second.Seat(), second.LastSeq())
	}
	must(t, second.SelectSlot(1))
	waitFor(t, second, "reselect", func(c *Client) bool { return slot(c, 0) == 1 })
}
