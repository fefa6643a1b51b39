package server

import (
	"sync/atomic"
)

// RoomMetrics 记录仲裁者运行期的关键指标（用于监控与调试）
type RoomMetrics struct {
	TickCount         int64 // 统计的 Tick 次数
	CommandsAccepted  int64 // 通过校验并执行的命令数
	CommandsRejected  int64 // 校验失败被丢弃的命令数（未知物体、无权限、前置条件）
	RateLimited       int64 // 因单端限流被拒绝的命令数
	OldSeqIgnored     int64 // 因序列号重复或过期被忽略的命令数
	DropsSimulated    int64 // 因模拟丢包被丢弃的命令数
	ChanFullDiscarded int64 // 因队列满被丢弃的命令数
	DeltasSent        int64 // 广播的 Cell 增量数
	EffectsSent       int64 // 广播的瞬时效果数
	PeersJoined       int64 // 加入过的连接数
	TotalTickNs       int64 // Tick 累计耗时（纳秒）
}

func (m *RoomMetrics) IncAccepted()          { atomic.AddInt64(&m.CommandsAccepted, 1) }
func (m *RoomMetrics) IncRejected()          { atomic.AddInt64(&m.CommandsRejected, 1) }
func (m *RoomMetrics) IncRateLimited()       { atomic.AddInt64(&m.RateLimited, 1) }
func (m *RoomMetrics) IncOldSeqIgnored()     { atomic.AddInt64(&m.OldSeqIgnored, 1) }
func (m *RoomMetrics) IncDropsSimulated()    { atomic.AddInt64(&m.DropsSimulated, 1) }
func (m *RoomMetrics) IncChanFullDiscarded() { atomic.AddInt64(&m.ChanFullDiscarded, 1) }
func (m *RoomMetrics) IncDeltas()            { atomic.AddInt64(&m.DeltasSent, 1) }
func (m *RoomMetrics) IncEffects()           { atomic.AddInt64(&m.EffectsSent, 1) }
func (m *RoomMetrics) IncJoined()            { atomic.AddInt64(&m.PeersJoined, 1) }
func (m *RoomMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RoomMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":          tick,
		"commands_accepted":   atomic.LoadInt64(&m.CommandsAccepted),
		"commands_rejected":   atomic.LoadInt64(&m.CommandsRejected),
		"rate_limited":        atomic.LoadInt64(&m.RateLimited),
		"old_seq_ignored":     atomic.LoadInt64(&m.OldSeqIgnored),
		"drops_simulated":     atomic.LoadInt64(&m.DropsSimulated),
		"chan_full_discarded": atomic.LoadInt64(&m.ChanFullDiscarded),
		"deltas_sent":         atomic.LoadInt64(&m.DeltasSent),
		"effects_sent":        atomic.LoadInt64(&m.EffectsSent),
		"peers_joined":        atomic.LoadInt64(&m.PeersJoined),
		"avg_tick_ms":         avgMs,
	}
}
