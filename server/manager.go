package server

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// DefaultRoomID 未指定房间时使用的默认房间
const DefaultRoomID = "room-1"

// RoomManager 管理多个房间的生命周期。由进程显式构造并注入到各处理器。
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	cfg   Config
	opts  []RoomOption
	ctx   context.Context
	stop  context.CancelFunc
}

func NewRoomManager(ctx context.Context, cfg Config, opts ...RoomOption) *RoomManager {
	ctx, stop := context.WithCancel(ctx)
	return &RoomManager{
		rooms: make(map[string]*Room),
		cfg:   cfg,
		opts:  opts,
		ctx:   ctx,
		stop:  stop,
	}
}

// GetOrCreateRoom 获取或创建房间，并确保开始 Tick；id 为空时生成新 id
func (m *RoomManager) GetOrCreateRoom(id string) (*Room, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		var err error
		r, err = NewRoom(id, m.cfg, m.opts...)
		if err != nil {
			return nil, err
		}
		m.rooms[id] = r
		r.StartTicker(m.ctx)
		Log.Infof("room created: room=%s joinCode=%s", id, r.lobby.JoinCode())
	}
	return r, nil
}

func (m *RoomManager) Room(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// RoomIDs 已创建房间的 id（排序）
func (m *RoomManager) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close 停止所有房间的 Tick 并等待退出
func (m *RoomManager) Close() {
	m.stop()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rooms {
		<-r.Done()
	}
}
