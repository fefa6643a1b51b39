package server

import (
	"errors"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Command
		wantErr bool
	}{
		{"toggle", `{"type":"toggle","object":"bridge-1","seq":3}`, Command{Peer: "p", Type: CmdToggle, Object: "bridge-1", Seq: 3}, false},
		{"select keeps zero slot", `{"type":"select","slot":0,"seq":1}`, Command{Peer: "p", Type: CmdSelect, Seq: 1}, false},
		{"case insensitive", `{"type":" READY ","seq":2}`, Command{Peer: "p", Type: CmdReady, Seq: 2}, false},
		{"aim release", `{"type":"aim","seq":4}`, Command{Peer: "p", Type: CmdAim, Seq: 4}, false},
		{"toggle without object", `{"type":"toggle","seq":1}`, Command{}, true},
		{"bad json", `{"type":`, Command{}, true},
		{"unknown", `{"type":"jump","seq":1}`, Command{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand("p", []byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := ParseCommand("p", []byte(`{"type":"jump"}`)); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("unknown err = %v", err)
	}
}
