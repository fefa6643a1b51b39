package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"coopsync/toggle"
)

const adminTimeout = 2 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// roomFromQuery 管理接口只操作已存在的房间，避免误建
func (m *RoomManager) roomFromQuery(w http.ResponseWriter, r *http.Request) (*Room, bool) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = DefaultRoomID
	}
	room, ok := m.Room(roomID)
	if !ok {
		http.Error(w, "unknown room", http.StatusNotFound)
		return nil, false
	}
	return room, true
}

// HandleAdminConfig 提供房间参数的读取与更新（热更新限流与模拟丢包）
// GET /admin/config?room=room-1  返回当前配置
// POST /admin/config?room=room-1 以 JSON 载荷更新部分字段
func (m *RoomManager) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	room, ok := m.roomFromQuery(w, r)
	if !ok {
		return
	}

	type cfg struct {
		MaxCommandsPerTick *int     `json:"maxCommandsPerTick,omitempty"`
		CommandRate        *float64 `json:"commandRate,omitempty"`
		CommandBurst       *int     `json:"commandBurst,omitempty"`
		SimulateDropProb   *float64 `json:"simulateDropProb,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, room.Settings())
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		s := room.Settings()
		if body.MaxCommandsPerTick != nil {
			s.MaxCommandsPerTick = *body.MaxCommandsPerTick
		}
		if body.CommandRate != nil {
			s.CommandRate = *body.CommandRate
		}
		if body.CommandBurst != nil {
			s.CommandBurst = *body.CommandBurst
		}
		if body.SimulateDropProb != nil {
			s.SimulateDropProb = *body.SimulateDropProb
		}
		if s.MaxCommandsPerTick < 0 || s.CommandRate < 0 || s.CommandBurst < 0 || s.SimulateDropProb < 0 || s.SimulateDropProb >= 1 {
			http.Error(w, "value out of range", http.StatusBadRequest)
			return
		}
		room.ApplySettings(s)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		Log.Infof("config updated: room=%s maxCommandsPerTick=%d rate=%.1f burst=%d drop=%.2f",
			room.ID, s.MaxCommandsPerTick, s.CommandRate, s.CommandBurst, s.SimulateDropProb)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出指定房间的运行指标
// GET /metrics?room=room-1
func (m *RoomManager) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	room, ok := m.roomFromQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":    room.ID,
		"tick":    room.Tick(),
		"metrics": room.metrics.Snapshot(),
	})
}

// ObjectView 管理接口中的物体视图
type ObjectView struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	State      string `json:"state"`
	Version    uint64 `json:"version"`
	Controller string `json:"controller,omitempty"`
}

// HandleObjects 物体的查询、生成与销毁
// GET /admin/objects?room=room-1
// POST /admin/objects?room=room-1 {"id":"bridge-2","kind":"fix","active":false}
// DELETE /admin/objects?room=room-1&id=bridge-2
func (m *RoomManager) HandleObjects(w http.ResponseWriter, r *http.Request) {
	room, ok := m.roomFromQuery(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		var views []ObjectView
		err := room.Do(ctx, func() {
			for _, obj := range room.objects.Objects() {
				views = append(views, ObjectView{
					ID:         obj.ID,
					Kind:       string(obj.Kind),
					State:      obj.Label(),
					Version:    obj.State.Version(),
					Controller: obj.Controller(),
				})
			}
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"room": room.ID, "objects": views})
	case http.MethodPost:
		var body struct {
			ID     string `json:"id"`
			Kind   string `json:"kind"`
			Active bool   `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		kind, err := toggle.ParseKind(body.Kind)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		initial := toggle.Inactive
		if body.Active {
			initial = toggle.Active
		}
		var spawnErr error
		if err := room.Do(ctx, func() { spawnErr = room.SpawnObject(body.ID, kind, initial) }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if errors.Is(spawnErr, toggle.ErrDuplicateID) {
			http.Error(w, spawnErr.Error(), http.StatusConflict)
			return
		}
		if spawnErr != nil {
			http.Error(w, spawnErr.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		var removed bool
		if err := room.Do(ctx, func() { removed = room.objects.Despawn(id) }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if !removed {
			http.Error(w, "unknown object", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleJournal 最近的提交记录
// GET /admin/journal?room=room-1&limit=50
func (m *RoomManager) HandleJournal(w http.ResponseWriter, r *http.Request) {
	room, ok := m.roomFromQuery(w, r)
	if !ok {
		return
	}
	if room.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := room.journal.List(r.Context(), room.ID, limit)
	if err != nil {
		Log.Errorf("journal list failed: room=%s err=%v", room.ID, err)
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room.ID, "entries": entries})
}

// Routes 注册全部 HTTP 路由
func (m *RoomManager) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", m.HandleWS)
	mux.HandleFunc("/admin/config", m.HandleAdminConfig)
	mux.HandleFunc("/admin/objects", m.HandleObjects)
	mux.HandleFunc("/admin/journal", m.HandleJournal)
	mux.HandleFunc("/metrics", m.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}
