package server

import (
	"time"

	"golang.org/x/time/rate"
)

// PeerID 表示端的唯一标识
type PeerID string

// Sender 出站发送端（WebSocket 连接或测试桩）
type Sender interface {
	Enqueue(b []byte)
	Close()
}

// Peer 房间内已连接的端。Seat 为 -1 表示旁观者（只读，仍接收快照与增量）。
type Peer struct {
	ID       PeerID
	Seat     int
	Conn     Sender
	JoinedAt time.Time

	limiter *rate.Limiter // 单端命令限流
	// outboxMark 加入时本帧已排队的出站帧数；这些帧的结果已包含在快照中，不再发给该端
	outboxMark int
}

func newPeer(id PeerID, seat int, conn Sender, limit rate.Limit, burst int) *Peer {
	if burst < 1 {
		burst = 1
	}
	return &Peer{
		ID:       id,
		Seat:     seat,
		Conn:     conn,
		JoinedAt: time.Now(),
		limiter:  rate.NewLimiter(limit, burst),
	}
}

func (p *Peer) Seated() bool { return p.Seat >= 0 }

// Allow 令牌桶判定；limit 为 0 表示不限流
func (p *Peer) Allow() bool {
	if p.limiter.Limit() == 0 {
		return true
	}
	return p.limiter.Allow()
}
