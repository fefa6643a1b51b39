package server

import (
	"encoding/json"

	"coopsync/replica"
)

// 出站消息类型
const (
	MsgWelcome  = "welcome"
	MsgSnapshot = "snapshot"
	MsgDelta    = "delta"
	MsgRemove   = "remove"
	MsgEffect   = "effect"
)

// 广播效果名
const (
	EffectSessionStarted = "session.started"
	EffectEnterActive    = "enter_active"
	EffectEnterInactive  = "enter_inactive"
)

// Message 仲裁者发往各端的消息（各类型共用一个结构，按 Type 取字段）
type Message struct {
	Type     string          `json:"type"`
	Room     string          `json:"room,omitempty"`
	Peer     string          `json:"peer,omitempty"`
	Seat     *int            `json:"seat,omitempty"`
	LastSeq  int64           `json:"lastSeq,omitempty"`
	JoinCode string          `json:"joinCode,omitempty"`
	Cells    []replica.Delta `json:"cells,omitempty"`
	Cell     string          `json:"cell,omitempty"`
	Version  uint64          `json:"version,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Name     string          `json:"name,omitempty"`
	Params   map[string]any  `json:"params,omitempty"`
}

// Delta 将 delta/remove 消息还原为 replica.Delta
func (m Message) Delta() replica.Delta {
	return replica.Delta{Cell: m.Cell, Version: m.Version, Value: m.Value, Removed: m.Type == MsgRemove}
}

func deltaMessage(d replica.Delta) Message {
	if d.Removed {
		return Message{Type: MsgRemove, Cell: d.Cell}
	}
	return Message{Type: MsgDelta, Cell: d.Cell, Version: d.Version, Value: d.Value}
}
