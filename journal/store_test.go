package journal

import (
	"context"
	"testing"
)

func TestRecordAndList(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	entries := []Entry{
		{Room: "room-1", Cell: "lobby/seat/0/slot", Version: 1, Value: "0", Issuer: "alice", Seq: 1},
		{Room: "room-1", Cell: "lobby/seat/0/ready", Version: 1, Value: "true", Issuer: "alice", Seq: 2},
		{Room: "room-2", Cell: "lobby/started", Version: 1, Value: "true"},
		{Room: "room-1", Cell: "object/bridge/state", Removed: true},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.List(ctx, "room-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}
	if got[0].Cell != "lobby/seat/0/slot" || got[0].Issuer != "alice" || got[0].Seq != 1 || got[0].At.IsZero() {
		t.Fatalf("first entry = %+v", got[0])
	}
	if !got[2].Removed || got[2].Issuer != "" {
		t.Fatalf("tombstone entry = %+v", got[2])
	}

	// limit 取最近的记录，仍按提交顺序返回
	last, err := s.List(ctx, "room-1", 2)
	if err != nil {
		t.Fatalf("list limit: %v", err)
	}
	if len(last) != 2 || last[0].Cell != "lobby/seat/0/ready" || last[1].Cell != "object/bridge/state" {
		t.Fatalf("limited = %+v", last)
	}
}
