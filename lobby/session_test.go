package lobby

import (
	"errors"
	"testing"

	"coopsync/replica"
)

type recorder struct {
	starts  []Started
	effects []Effect
}

func newTestSession(t *testing.T) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := NewSession(replica.NewRegistry(replica.RoleArbiter), Config{
		SlotCount: 2,
		JoinCode:  "AB12CD",
		OnStart:   func(ev Started) { rec.starts = append(rec.starts, ev) },
		OnEffect:  func(e Effect) { rec.effects = append(rec.effects, e) },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	for _, p := range []string{"host", "guest"} {
		if _, err := s.Occupy(p); err != nil {
			t.Fatalf("occupy %s: %v", p, err)
		}
	}
	return s, rec
}

func mustSeat(t *testing.T, s *Session, peer string) *Seat {
	t.Helper()
	seat, err := s.SeatOf(peer)
	if err != nil {
		t.Fatalf("seat of %s: %v", peer, err)
	}
	return seat
}

func TestOccupyAssignsSeatsInOrder(t *testing.T) {
	s, _ := newTestSession(t)
	if mustSeat(t, s, "host").Index != HostSeat || mustSeat(t, s, "guest").Index != 1 {
		t.Fatalf("unexpected seat order")
	}
	if i, err := s.Occupy("host"); err != nil || i != HostSeat {
		t.Fatalf("reconnect occupy = %d, %v", i, err)
	}
	if _, err := s.Occupy("third"); !errors.Is(err, ErrLobbyFull) {
		t.Fatalf("third occupy err = %v, want ErrLobbyFull", err)
	}
	if err := s.SelectSlot("third", 0); !errors.Is(err, ErrUnknownSeat) {
		t.Fatalf("unseated select err = %v, want ErrUnknownSeat", err)
	}
	if err := s.ToggleReady("third"); !errors.Is(err, ErrUnknownSeat) {
		t.Fatalf("unseated ready err = %v, want ErrUnknownSeat", err)
	}
}

func TestSelectSlotClampsAndSlides(t *testing.T) {
	s, rec := newTestSession(t)
	tests := []struct {
		in   int
		want uint8
	}{
		{-5, 0},
		{1, 1},
		{9, 1},
		{0, 0},
	}
	for _, tt := range tests {
		if err := s.SelectSlot("guest", tt.in); err != nil {
			t.Fatalf("select %d: %v", tt.in, err)
		}
		if got := mustSeat(t, s, "guest").Slot.Read(); got != tt.want {
			t.Fatalf("select %d -> %d, want %d", tt.in, got, tt.want)
		}
	}
	last := rec.effects[len(rec.effects)-1]
	if last.Name != EffectSlide || last.Params["hostIndex"] != int(Unselected) || last.Params["clientIndex"] != 0 {
		t.Fatalf("slide effect = %+v", last)
	}
}

func TestReadyClearsOnReselect(t *testing.T) {
	for _, next := range []int{0, 1} {
		s, _ := newTestSession(t)
		_ = s.SelectSlot("host", 0)
		if err := s.ToggleReady("host"); err != nil {
			t.Fatalf("ready: %v", err)
		}
		seat := mustSeat(t, s, "host")
		if !seat.Ready.Read() {
			t.Fatalf("host not ready")
		}
		if err := s.SelectSlot("host", next); err != nil {
			t.Fatalf("reselect: %v", err)
		}
		if seat.Ready.Read() {
			t.Fatalf("ready survived reselect to %d", next)
		}
	}
}

func TestToggleReadyValidatesOnArbiter(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.ToggleReady("host"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("ready without slot err = %v, want ErrPrecondition", err)
	}
	_ = s.SelectSlot("host", 1)
	_ = s.SelectSlot("guest", 1)
	if err := s.ToggleReady("guest"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("ready on conflict err = %v, want ErrPrecondition", err)
	}
	if mustSeat(t, s, "guest").Ready.Read() {
		t.Fatalf("rejected ready was applied")
	}
}

func TestUnreadyAlwaysAllowed(t *testing.T) {
	s, _ := newTestSession(t)
	_ = s.SelectSlot("host", 0)
	_ = s.ToggleReady("host")
	if err := s.ToggleReady("host"); err != nil {
		t.Fatalf("unready: %v", err)
	}
	if mustSeat(t, s, "host").Ready.Read() {
		t.Fatalf("still ready")
	}
}

func TestEvaluateStartGating(t *testing.T) {
	tests := []struct {
		name   string
		slots  [2]uint8
		ready  [2]bool
		expect bool
	}{
		{"all good", [2]uint8{0, 1}, [2]bool{true, true}, true},
		{"same slot", [2]uint8{1, 1}, [2]bool{true, true}, false},
		{"host not ready", [2]uint8{0, 1}, [2]bool{false, true}, false},
		{"guest not ready", [2]uint8{0, 1}, [2]bool{true, false}, false},
		{"guest unselected", [2]uint8{0, Unselected}, [2]bool{true, true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec := newTestSession(t)
			// 直接写 Cell 构造状态，绕过 ToggleReady 的前置校验
			for i := 0; i < SeatCount; i++ {
				seat, _ := s.Seat(i)
				_ = seat.Slot.Write(tt.slots[i])
				_ = seat.Ready.Write(tt.ready[i])
			}
			if got := s.EvaluateStart(); got != tt.expect {
				t.Fatalf("EvaluateStart = %v, want %v", got, tt.expect)
			}
			if s.IsStarted() != tt.expect || len(rec.starts) != boolToInt(tt.expect) {
				t.Fatalf("started=%v starts=%d", s.IsStarted(), len(rec.starts))
			}
		})
	}
}

func TestStartIsIdempotentAndTerminal(t *testing.T) {
	s, rec := newTestSession(t)
	_ = s.SelectSlot("host", 0)
	_ = s.SelectSlot("guest", 1)
	_ = s.ToggleReady("host")
	_ = s.ToggleReady("guest")
	if !s.IsStarted() {
		t.Fatalf("not started")
	}
	for i := 0; i < 3; i++ {
		if s.EvaluateStart() {
			t.Fatalf("start fired again")
		}
	}
	if len(rec.starts) != 1 {
		t.Fatalf("starts = %d, want 1", len(rec.starts))
	}
	if err := s.SelectSlot("host", 1); !errors.Is(err, ErrStarted) {
		t.Fatalf("select after start err = %v", err)
	}
	if err := s.ToggleReady("guest"); !errors.Is(err, ErrStarted) {
		t.Fatalf("ready after start err = %v", err)
	}
	if _, err := s.Occupy("late"); !errors.Is(err, ErrStarted) {
		t.Fatalf("late occupy err = %v", err)
	}
	// 开局后离开不清空座位，允许重连
	_ = s.Vacate("guest")
	if i, err := s.Occupy("guest"); err != nil || i != 1 {
		t.Fatalf("reconnect after start = %d, %v", i, err)
	}
	if s.JoinCode() != "AB12CD" {
		t.Fatalf("join code lost after start: %q", s.JoinCode())
	}
}

func TestConflictScenario(t *testing.T) {
	s, rec := newTestSession(t)

	_ = s.SelectSlot("host", 0)
	_ = s.SelectSlot("guest", 0)
	if s.CanConfirm(0) || s.CanConfirm(1) {
		t.Fatalf("conflict should block both seats")
	}

	_ = s.SelectSlot("guest", 1)
	if !s.CanConfirm(0) || !s.CanConfirm(1) {
		t.Fatalf("distinct slots should allow both seats")
	}

	if err := s.ToggleReady("host"); err != nil {
		t.Fatalf("host ready: %v", err)
	}
	if s.IsStarted() {
		t.Fatalf("started with one seat ready")
	}
	if err := s.ToggleReady("guest"); err != nil {
		t.Fatalf("guest ready: %v", err)
	}
	if !s.IsStarted() || len(rec.starts) != 1 {
		t.Fatalf("started=%v starts=%d", s.IsStarted(), len(rec.starts))
	}
	ev := rec.starts[0]
	if ev.Host != HostSeat || ev.Seats[0] != (Assignment{Seat: 0, Peer: "host", Slot: 0}) || ev.Seats[1] != (Assignment{Seat: 1, Peer: "guest", Slot: 1}) {
		t.Fatalf("start event = %+v", ev)
	}
}

func TestVacateClearsSeat(t *testing.T) {
	s, _ := newTestSession(t)
	_ = s.SelectSlot("guest", 1)
	_ = s.ToggleReady("guest")
	if err := s.Vacate("guest"); err != nil {
		t.Fatalf("vacate: %v", err)
	}
	seat, _ := s.Seat(1)
	if seat.Occupant() != "" || seat.Slot.Read() != Unselected || seat.Ready.Read() {
		t.Fatalf("seat not cleared: %q %d %v", seat.Occupant(), seat.Slot.Read(), seat.Ready.Read())
	}
	if i, err := s.Occupy("newcomer"); err != nil || i != 1 {
		t.Fatalf("newcomer seat = %d, %v", i, err)
	}
}

func TestPeerSessionIsReadOnly(t *testing.T) {
	s, err := NewSession(replica.NewRegistry(replica.RolePeer), Config{SlotCount: 2})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.SetJoinCode("X"); !errors.Is(err, replica.ErrPermissionDenied) {
		t.Fatalf("peer set join code err = %v", err)
	}
	_, _ = s.Occupy("me")
	if err := s.SelectSlot("me", 0); !errors.Is(err, replica.ErrPermissionDenied) {
		t.Fatalf("peer select err = %v", err)
	}
}

func TestCanConfirmPure(t *testing.T) {
	tests := []struct {
		mine, other uint8
		want        bool
	}{
		{Unselected, Unselected, false},
		{0, Unselected, true},
		{0, 0, false},
		{0, 1, true},
		{Unselected, 1, false},
	}
	for _, tt := range tests {
		if got := CanConfirm(tt.mine, tt.other); got != tt.want {
			t.Errorf("CanConfirm(%d,%d) = %v, want %v", tt.mine, tt.other, got, tt.want)
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
