package toggle

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"coopsync/replica"
)

var (
	ErrUnknownObject = errors.New("toggle: unknown object")
	ErrNotPermitted  = errors.New("toggle: issuer not permitted")
	ErrDuplicateID   = errors.New("toggle: object already spawned")
)

// Hooks 状态进入时的回调（动画、特效等由上层决定如何呈现）
type Hooks struct {
	OnEnterActive   func(obj *Object)
	OnEnterInactive func(obj *Object)
}

// Object 可交互物体。State 由仲裁者写入并复制到所有端。
type Object struct {
	ID    string
	Kind  Kind
	State *replica.Cell[State]

	controller string // 正在瞄准该物体的端，仅仲裁者本地记录
	cancel     func()
}

// Controller 当前获准操作该物体的端
func (o *Object) Controller() string { return o.controller }

// Label 当前状态的语义名
func (o *Object) Label() string { return o.Kind.Label(o.State.Read()) }

// Observe 将 Hooks 挂到物体的状态 Cell 上，仲裁端与副本端共用
func Observe(obj *Object, h Hooks) (cancel func()) {
	return obj.State.Subscribe(func(_, s State) {
		switch s {
		case Active:
			if h.OnEnterActive != nil {
				h.OnEnterActive(obj)
			}
		case Inactive:
			if h.OnEnterInactive != nil {
				h.OnEnterInactive(obj)
			}
		}
	})
}

// Mirror 在副本端 Registry 上注册物体的 Cell，用于接收仲裁者的快照与增量
func Mirror(reg *replica.Registry, id string) (*Object, error) {
	st, ok := replica.Lookup[State](reg, StateCell(id))
	if !ok {
		var err error
		if st, err = replica.Register(reg, StateCell(id), Inactive); err != nil {
			return nil, err
		}
	}
	kc, ok := replica.Lookup[Kind](reg, KindCell(id))
	if !ok {
		var err error
		if kc, err = replica.Register(reg, KindCell(id), Kind("")); err != nil {
			return nil, err
		}
	}
	return &Object{ID: id, Kind: kc.Read(), State: st}, nil
}

// Authorizer 仲裁端对发起者的独立校验
type Authorizer func(issuer string, obj *Object) error

// ControllerOnly 默认策略：只有正在瞄准该物体的端可以切换它
func ControllerOnly(issuer string, obj *Object) error {
	if obj.controller == "" || obj.controller != issuer {
		return fmt.Errorf("%s on %s: %w", issuer, obj.ID, ErrNotPermitted)
	}
	return nil
}

type Option func(*Machine)

func WithHooks(kind Kind, h Hooks) Option {
	return func(m *Machine) { m.hooks[kind] = h }
}

func WithAuthorizer(a Authorizer) Option {
	return func(m *Machine) { m.authorize = a }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// Machine 仲裁端的物体状态机。所有方法只应在仲裁者的命令处理协程中调用。
type Machine struct {
	reg       *replica.Registry
	objects   map[string]*Object
	aims      map[string]string // issuer -> object id
	hooks     map[Kind]Hooks
	authorize Authorizer
	log       *zap.SugaredLogger
}

func NewMachine(reg *replica.Registry, opts ...Option) *Machine {
	m := &Machine{
		reg:       reg,
		objects:   make(map[string]*Object),
		aims:      make(map[string]string),
		hooks:     make(map[Kind]Hooks),
		authorize: ControllerOnly,
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn 物体宿主实体生成时创建对应的复制状态
func (m *Machine) Spawn(id string, kind Kind, initial State) (*Object, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("spawn %s: unknown kind %q", id, kind)
	}
	if _, ok := m.objects[id]; ok {
		return nil, fmt.Errorf("spawn %s: %w", id, ErrDuplicateID)
	}
	if _, err := replica.Register(m.reg, KindCell(id), kind); err != nil {
		return nil, err
	}
	st, err := replica.Register(m.reg, StateCell(id), initial)
	if err != nil {
		m.reg.Remove(KindCell(id))
		return nil, err
	}
	obj := &Object{ID: id, Kind: kind, State: st}
	obj.cancel = Observe(obj, m.hooks[kind])
	m.objects[id] = obj
	m.log.Infof("object spawned: id=%s kind=%s state=%s", id, kind, obj.Label())
	return obj, nil
}

// Despawn 销毁物体并注销其 Cell
func (m *Machine) Despawn(id string) bool {
	obj, ok := m.objects[id]
	if !ok {
		return false
	}
	obj.cancel()
	delete(m.objects, id)
	for issuer, target := range m.aims {
		if target == id {
			delete(m.aims, issuer)
		}
	}
	m.reg.Remove(StateCell(id))
	m.reg.Remove(KindCell(id))
	m.log.Infof("object despawned: id=%s", id)
	return true
}

func (m *Machine) Object(id string) (*Object, bool) {
	obj, ok := m.objects[id]
	return obj, ok
}

// Objects 按 id 排序返回全部物体
func (m *Machine) Objects() []*Object {
	out := make([]*Object, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Aim 记录发起者当前瞄准的物体；id 为空表示取消瞄准
func (m *Machine) Aim(issuer, id string) error {
	if prev, ok := m.aims[issuer]; ok {
		if obj, ok := m.objects[prev]; ok && obj.controller == issuer {
			obj.controller = ""
		}
		delete(m.aims, issuer)
	}
	if id == "" {
		return nil
	}
	obj, ok := m.objects[id]
	if !ok {
		return fmt.Errorf("aim %s: %w", id, ErrUnknownObject)
	}
	// 后瞄准者获得控制权
	if obj.controller != "" && obj.controller != issuer {
		delete(m.aims, obj.controller)
	}
	obj.controller = issuer
	m.aims[issuer] = id
	return nil
}

// Release 端离开时释放其瞄准
func (m *Machine) Release(issuer string) {
	_ = m.Aim(issuer, "")
}

// RequestToggle 校验发起者后翻转物体状态，返回新状态
func (m *Machine) RequestToggle(issuer, id string) (State, error) {
	obj, ok := m.objects[id]
	if !ok {
		return 0, fmt.Errorf("toggle %s: %w", id, ErrUnknownObject)
	}
	if err := m.authorize(issuer, obj); err != nil {
		return obj.State.Read(), err
	}
	next := obj.State.Read().Next()
	if err := obj.State.Write(next); err != nil {
		return obj.State.Read(), err
	}
	m.log.Infof("object toggled: id=%s kind=%s issuer=%s state=%s", id, obj.Kind, issuer, obj.Kind.Label(next))
	return next, nil
}
