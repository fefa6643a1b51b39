package server

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandType 客户端意图类型。仲裁端只接受"意图"，状态结果由仲裁端计算。
type CommandType string

const (
	CmdToggle CommandType = "toggle" // 切换正在瞄准的物体
	CmdAim    CommandType = "aim"    // 瞄准物体；object 为空表示取消
	CmdSelect CommandType = "select" // 选择角色槽位
	CmdReady  CommandType = "ready"  // 切换准备状态
)

// Command 已归属到具体端的入站命令
type Command struct {
	Peer   PeerID
	Type   CommandType
	Object string
	Slot   int
	Seq    int64 // 端内单调递增序列号，用于去重与重发
}

// CommandMessage 入站命令的 JSON 结构（WebSocket 文本消息）
// 示例：{"type":"toggle","object":"bridge-1","seq":3}
type CommandMessage struct {
	Type   string `json:"type"`
	Object string `json:"object,omitempty"`
	Slot   int    `json:"slot"`
	Seq    int64  `json:"seq"`
}

// ParseCommand 解析入站文本消息并归属到 peer
func ParseCommand(peer PeerID, payload []byte) (Command, error) {
	var cm CommandMessage
	if err := json.Unmarshal(payload, &cm); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	t := CommandType(strings.ToLower(strings.TrimSpace(cm.Type)))
	switch t {
	case CmdToggle:
		if cm.Object == "" {
			return Command{}, fmt.Errorf("toggle: missing object")
		}
	case CmdAim, CmdSelect, CmdReady:
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cm.Type)
	}
	return Command{Peer: peer, Type: t, Object: cm.Object, Slot: cm.Slot, Seq: cm.Seq}, nil
}
