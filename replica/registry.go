package replica

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Delta 单个 Cell 的一次变更（或快照中的当前值），是线上传输的最小单位
type Delta struct {
	Cell    string          `json:"cell"`
	Version uint64          `json:"version"`
	Value   json.RawMessage `json:"value,omitempty"`
	Removed bool            `json:"removed,omitempty"`
}

type replicable interface {
	Name() string
	bind(sink func(Delta))
	delta() (Delta, error)
	apply(d Delta) (bool, error)
}

// Registry 按名字管理一组 Cell：仲裁端负责投递增量与生成快照，副本端负责应用
type Registry struct {
	mu    sync.RWMutex
	role  Role
	cells map[string]replicable
	sink  func(Delta)
}

func NewRegistry(role Role) *Registry {
	return &Registry{role: role, cells: make(map[string]replicable)}
}

func (r *Registry) Role() Role { return r.role }

// SetSink 设置增量出口（通常是广播队列）。已注册的 Cell 同步生效。
func (r *Registry) SetSink(fn func(Delta)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = fn
	for _, c := range r.cells {
		c.bind(r.emit)
	}
}

func (r *Registry) emit(d Delta) {
	r.mu.RLock()
	sink := r.sink
	r.mu.RUnlock()
	if sink != nil {
		sink(d)
	}
}

// Register 以 Registry 的角色创建并注册一个 Cell
func Register[T comparable](r *Registry, name string, initial T) (*Cell[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cells[name]; ok {
		return nil, fmt.Errorf("register %s: %w", name, ErrDuplicateCell)
	}
	c := NewCell(name, r.role, initial)
	c.bind(r.emit)
	r.cells[name] = c
	return c, nil
}

// Lookup 按名字取回已注册的 Cell；类型不符时返回 false
func Lookup[T comparable](r *Registry, name string) (*Cell[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cells[name].(*Cell[T])
	return c, ok
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cells[name]
	return ok
}

// Remove 注销 Cell（所属实体销毁）。仲裁端会投递一条 Removed 增量。
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	c, ok := r.cells[name]
	if ok {
		delete(r.cells, name)
		c.bind(nil)
	}
	sink := r.sink
	r.mu.Unlock()
	if ok && r.role == RoleArbiter && sink != nil {
		sink(Delta{Cell: name, Removed: true})
	}
	return ok
}

// Announce 仲裁端将一个 Cell 的当前值作为增量投递（运行期新注册的 Cell 需要告知已连接的端）
func (r *Registry) Announce(name string) error {
	if r.role != RoleArbiter {
		return fmt.Errorf("announce %s: %w", name, ErrPermissionDenied)
	}
	r.mu.RLock()
	c, ok := r.cells[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("announce %s: %w", name, ErrUnknownCell)
	}
	d, err := c.delta()
	if err != nil {
		return err
	}
	r.emit(d)
	return nil
}

// Snapshot 返回全部 Cell 的当前值（按名字排序），供新加入的端做全量同步
func (r *Registry) Snapshot() ([]Delta, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.cells))
	for name := range r.cells {
		names = append(names, name)
	}
	cells := r.cells
	sort.Strings(names)
	out := make([]Delta, 0, len(names))
	for _, name := range names {
		d, err := cells[name].delta()
		if err != nil {
			r.mu.RUnlock()
			return nil, err
		}
		out = append(out, d)
	}
	r.mu.RUnlock()
	return out, nil
}

// Apply 副本端应用一条增量。返回值表示是否真正生效（过期/重复增量返回 false）。
func (r *Registry) Apply(d Delta) (bool, error) {
	if r.role == RoleArbiter {
		return false, fmt.Errorf("apply %s: %w", d.Cell, ErrPermissionDenied)
	}
	if d.Removed {
		r.mu.Lock()
		_, ok := r.cells[d.Cell]
		delete(r.cells, d.Cell)
		r.mu.Unlock()
		return ok, nil
	}
	r.mu.RLock()
	c, ok := r.cells[d.Cell]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("apply %s: %w", d.Cell, ErrUnknownCell)
	}
	return c.apply(d)
}
