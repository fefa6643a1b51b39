package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Role 决定当前进程对共享状态的写权限
type Role int

const (
	// RolePeer 只读副本：只能通过 Apply 接收仲裁者推送的值
	RolePeer Role = iota
	// RoleArbiter 唯一拥有写权限的进程
	RoleArbiter
)

func (r Role) String() string {
	if r == RoleArbiter {
		return "arbiter"
	}
	return "peer"
}

var (
	ErrPermissionDenied = errors.New("replica: permission denied")
	ErrUnknownCell      = errors.New("replica: unknown cell")
	ErrDuplicateCell    = errors.New("replica: duplicate cell")
)

// Observer 变更回调，old/new 为本次写入前后的值
type Observer[T any] func(old, new T)

type observerEntry[T any] struct {
	id int
	fn Observer[T]
}

// Cell 单写多读的值容器：仅仲裁者可写，所有端可读并订阅变更
type Cell[T comparable] struct {
	mu        sync.RWMutex
	name      string
	role      Role
	value     T
	version   uint64
	seeded    bool // 副本端是否已收到过仲裁者的值
	nextID    int
	observers []observerEntry[T]
	sink      func(Delta)
}

// NewCell 创建一个未注册到 Registry 的独立 Cell
func NewCell[T comparable](name string, role Role, initial T) *Cell[T] {
	return &Cell[T]{name: name, role: role, value: initial}
}

func (c *Cell[T]) Name() string { return c.name }

// Read 返回最近一次写入或应用的值
func (c *Cell[T]) Read() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Version 写入计数，单调递增
func (c *Cell[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Write 仲裁者写入新值。只有值发生变化的写入才算一次提交：版本递增、投递增量、触发回调；
// 与当前值相同的写入返回 nil 但不提交，版本与观察者均不受影响。
func (c *Cell[T]) Write(v T) error {
	if c.role != RoleArbiter {
		return fmt.Errorf("write %s: %w", c.name, ErrPermissionDenied)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("write %s: encode: %w", c.name, err)
	}

	c.mu.Lock()
	old := c.value
	if old == v {
		c.mu.Unlock()
		return nil
	}
	c.value = v
	c.version++
	d := Delta{Cell: c.name, Version: c.version, Value: raw}
	sink := c.sink
	obs := c.copyObservers()
	c.mu.Unlock()

	// 先投递，再本地回调：回调中产生的级联写入排在本次之后
	if sink != nil {
		sink(d)
	}
	for _, o := range obs {
		o.fn(old, v)
	}
	return nil
}

// Subscribe 注册变更回调，返回取消函数。回调按注册顺序触发，且不持有锁。
func (c *Cell[T]) Subscribe(fn Observer[T]) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, observerEntry[T]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

func (c *Cell[T]) copyObservers() []observerEntry[T] {
	if len(c.observers) == 0 {
		return nil
	}
	out := make([]observerEntry[T], len(c.observers))
	copy(out, c.observers)
	return out
}

func (c *Cell[T]) bind(sink func(Delta)) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *Cell[T]) delta() (Delta, error) {
	c.mu.RLock()
	v, ver := c.value, c.version
	c.mu.RUnlock()
	raw, err := json.Marshal(v)
	if err != nil {
		return Delta{}, fmt.Errorf("snapshot %s: %w", c.name, err)
	}
	return Delta{Cell: c.name, Version: ver, Value: raw}, nil
}

// apply 副本端应用仲裁者的值。首个值（通常来自快照）无条件生效，
// 之后版本不大于当前版本的增量视为重复或过期，直接忽略。
func (c *Cell[T]) apply(d Delta) (bool, error) {
	var v T
	if err := json.Unmarshal(d.Value, &v); err != nil {
		return false, fmt.Errorf("apply %s: decode: %w", c.name, err)
	}

	c.mu.Lock()
	if c.seeded && d.Version <= c.version {
		c.mu.Unlock()
		return false, nil
	}
	old := c.value
	c.value = v
	c.version = d.Version
	c.seeded = true
	obs := c.copyObservers()
	c.mu.Unlock()

	if old != v {
		for _, o := range obs {
			o.fn(old, v)
		}
	}
	return true, nil
}
