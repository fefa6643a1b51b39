package server

import (
	"context"
	"time"
)

// DefaultTicksPerSecond 未配置时的命令处理频率
const DefaultTicksPerSecond = 20

func (r *Room) tickInterval() time.Duration {
	r.mu.RLock()
	tps := r.tickRate
	r.mu.RUnlock()
	if tps <= 0 {
		tps = DefaultTicksPerSecond
	}
	return time.Second / time.Duration(tps)
}

// StartTicker 启动房间的 Tick 循环（单线程处理命令，保证对同一 Cell 的修改不会交错）
func (r *Room) StartTicker(ctx context.Context) {
	if !r.tickerStarted.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ticker := time.NewTicker(r.tickInterval())
		defer ticker.Stop()
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				r.shutdown()
				return
			case <-ticker.C:
			}
			// 核心循环：处理命令 → 广播结果
			start := time.Now()
			r.BeginTick()
			r.ProcessCommands()
			r.BroadcastDelta()
			r.metrics.AddTick(time.Since(start).Nanoseconds())
		}
	}()
}

// Done 在 Tick 循环退出后关闭
func (r *Room) Done() <-chan struct{} { return r.done }

// shutdown 关闭所有连接
func (r *Room) shutdown() {
	for id, p := range r.peers {
		if p.Conn != nil {
			p.Conn.Close()
		}
		delete(r.peers, id)
	}
	r.log.Info("room stopped")
}
