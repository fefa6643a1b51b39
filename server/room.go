package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"coopsync/journal"
	"coopsync/lobby"
	"coopsync/replica"
	"coopsync/toggle"
)

var (
	ErrDuplicateOrStale = errors.New("duplicate or stale command")
	ErrRateLimited      = errors.New("command rate limited")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrRoomClosed       = errors.New("room closed")
)

// Journal 提交日志（journal.Store 实现）
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
	List(ctx context.Context, room string, limit int) ([]journal.Entry, error)
}

// abilityBySlot 开局后角色槽位决定能力：0 号时停者可冻结，1 号可修复
var abilityBySlot = []toggle.Kind{toggle.KindFreeze, toggle.KindFix}

type eventKind int

const (
	evCommand eventKind = iota
	evJoin
	evLeave
	evExec
)

// event 入站事件：命令、加入、离开、管理操作共用一条 FIFO，保证同一端的先后顺序
type event struct {
	kind eventKind
	cmd  Command
	peer PeerID
	conn Sender
	fn   func()
}

type RoomOption func(*Room)

func WithJournal(j Journal) RoomOption {
	return func(r *Room) { r.journal = j }
}

func WithLogger(l *zap.SugaredLogger) RoomOption {
	return func(r *Room) {
		if l != nil {
			r.log = l
		}
	}
}

// WithSceneTransition 开局时通知场景切换层（生成玩家实体等）
func WithSceneTransition(fn func(lobby.Started)) RoomOption {
	return func(r *Room) { r.onStart = fn }
}

func WithRandSource(src rand.Source) RoomOption {
	return func(r *Room) { r.rng = rand.New(src) }
}

// Room 仲裁者：一个对局会话的全部权威状态，单协程按序处理命令
type Room struct {
	ID string

	reg     *replica.Registry
	objects *toggle.Machine
	lobby   *lobby.Session

	// 以下仅在 Tick 协程中访问
	peers     map[PeerID]*Peer
	seqs      map[PeerID]int64 // 最近接受的序列号，断线重连后保留
	abilities map[PeerID]toggle.Kind
	outbox    [][]byte
	current   *Command
	rng       *rand.Rand

	inputChan chan event

	// 可热更新的参数
	mu                 sync.RWMutex
	tickRate           int
	maxCommandsPerTick int
	commandRate        float64
	commandBurst       int
	simulateDropProb   float64

	journal Journal
	onStart func(lobby.Started)
	log     *zap.SugaredLogger
	metrics *RoomMetrics
	tickSeq atomic.Int64

	tickerStarted atomic.Bool
	done          chan struct{}
}

// NewRoom 创建房间，初始化大厅与配置中的物体
func NewRoom(id string, cfg Config, opts ...RoomOption) (*Room, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Room{
		ID:                 id,
		peers:              make(map[PeerID]*Peer),
		seqs:               make(map[PeerID]int64),
		abilities:          make(map[PeerID]toggle.Kind),
		inputChan:          make(chan event, 256), // 足够缓冲，避免网络读阻塞影响 Tick
		tickRate:           cfg.TickRate,
		maxCommandsPerTick: cfg.MaxCommandsPerTick,
		commandRate:        cfg.CommandRate,
		commandBurst:       cfg.CommandBurst,
		simulateDropProb:   cfg.SimulateDropProb,
		log:                Log,
		metrics:            &RoomMetrics{},
		done:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r.log = r.log.With("room", id)

	r.reg = replica.NewRegistry(replica.RoleArbiter)
	r.reg.SetSink(r.onDelta)

	r.objects = toggle.NewMachine(r.reg,
		toggle.WithLogger(r.log),
		toggle.WithAuthorizer(r.authorizeToggle),
		toggle.WithHooks(toggle.KindFix, r.objectHooks(toggle.KindFix)),
		toggle.WithHooks(toggle.KindFreeze, r.objectHooks(toggle.KindFreeze)),
	)

	sess, err := lobby.NewSession(r.reg, lobby.Config{
		SlotCount: cfg.SlotCount,
		JoinCode:  newJoinCode(),
		OnStart:   r.onSessionStarted,
		OnEffect:  func(e lobby.Effect) { r.emitEffect(e.Name, e.Params) },
		Logger:    r.log,
	})
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}
	r.lobby = sess

	specs, err := cfg.ObjectSpecs()
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}
	for _, spec := range specs {
		initial := toggle.Inactive
		if spec.Active {
			initial = toggle.Active
		}
		if err := r.SpawnObject(spec.ID, spec.Kind, initial); err != nil {
			return nil, fmt.Errorf("room %s: %w", id, err)
		}
	}
	return r, nil
}

// newJoinCode 6 位大写加入码
func newJoinCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

func (r *Room) Metrics() *RoomMetrics { return r.metrics }
func (r *Room) Tick() int64           { return r.tickSeq.Load() }

// Lobby 与 Objects 仅应在 Tick 协程（或 Do 回调）中使用
func (r *Room) Lobby() *lobby.Session    { return r.lobby }
func (r *Room) Objects() *toggle.Machine { return r.objects }

// OnInput 入站命令（不立即执行），等下一次 Tick 处理
func (r *Room) OnInput(cmd Command) {
	// 不阻塞：队列满时丢弃，由客户端按原序列号重发
	select {
	case r.inputChan <- event{kind: evCommand, cmd: cmd}:
	default:
		r.metrics.IncChanFullDiscarded()
	}
}

// RequestJoin 请求在 Tick 线程中加入端
func (r *Room) RequestJoin(id PeerID, conn Sender) {
	r.push(event{kind: evJoin, peer: id, conn: conn})
}

// RequestLeave 请求在 Tick 线程中移除端；conn 不匹配当前连接时忽略（已被重连替换）
func (r *Room) RequestLeave(id PeerID, conn Sender) {
	r.push(event{kind: evLeave, peer: id, conn: conn})
}

// push 阻塞式写入，保证加入/离开一定生效；房间关闭后直接丢弃
func (r *Room) push(ev event) {
	select {
	case r.inputChan <- ev:
	case <-r.done:
	}
}

// Do 在 Tick 线程中执行 fn 并等待完成，供管理接口安全访问房间状态
func (r *Room) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.inputChan <- event{kind: evExec, fn: func() { fn(); close(finished) }}:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRoomClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRoomClosed
	}
}

// ProcessCommands 处理当前帧排队的事件（非阻塞 drain，命令数受每帧上限约束）
func (r *Room) ProcessCommands() {
	budget := r.MaxCommandsPerTick()
	processed := 0
	for {
		select {
		case ev := <-r.inputChan:
			switch ev.kind {
			case evJoin:
				r.JoinPeer(ev.peer, ev.conn)
			case evLeave:
				r.LeavePeer(ev.peer, ev.conn)
			case evExec:
				ev.fn()
			case evCommand:
				r.dispatch(ev.cmd)
				processed++
				if budget > 0 && processed >= budget {
					return
				}
			}
		default:
			return
		}
	}
}

func (r *Room) dispatch(cmd Command) {
	if p := r.SimulateDropProb(); p > 0 && r.rng.Float64() < p {
		r.metrics.IncDropsSimulated()
		r.log.Debugf("command dropped (simulated): peer=%s type=%s seq=%d", cmd.Peer, cmd.Type, cmd.Seq)
		return
	}
	if err := r.HandleCommand(cmd); err != nil {
		r.log.Warnf("command rejected: peer=%s type=%s object=%s slot=%d seq=%d err=%v",
			cmd.Peer, cmd.Type, cmd.Object, cmd.Slot, cmd.Seq, err)
	}
}

// HandleCommand 去重、限流、校验并执行一条命令。错误只用于日志与指标，不回传给端。
func (r *Room) HandleCommand(cmd Command) error {
	p, ok := r.peers[cmd.Peer]
	if !ok {
		r.metrics.IncRejected()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, cmd.Peer)
	}
	if cmd.Seq <= r.seqs[cmd.Peer] {
		r.metrics.IncOldSeqIgnored()
		return fmt.Errorf("%w: seq %d <= %d", ErrDuplicateOrStale, cmd.Seq, r.seqs[cmd.Peer])
	}
	if !p.Allow() {
		// 不推进序列号，客户端可用同一序列号重发
		r.metrics.IncRateLimited()
		return ErrRateLimited
	}
	r.seqs[cmd.Peer] = cmd.Seq

	r.current = &cmd
	defer func() { r.current = nil }()

	var err error
	issuer := string(cmd.Peer)
	switch cmd.Type {
	case CmdToggle, CmdAim:
		// 旁观者只读，不能瞄准或切换物体
		if !p.Seated() {
			err = fmt.Errorf("%s %s: observer: %w", cmd.Type, issuer, toggle.ErrNotPermitted)
		} else if cmd.Type == CmdAim {
			err = r.objects.Aim(issuer, cmd.Object)
		} else {
			_, err = r.objects.RequestToggle(issuer, cmd.Object)
		}
	case CmdSelect:
		err = r.lobby.SelectSlot(issuer, cmd.Slot)
	case CmdReady:
		err = r.lobby.ToggleReady(issuer)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	if err != nil {
		r.metrics.IncRejected()
		return err
	}
	r.metrics.IncAccepted()
	return nil
}

// JoinPeer 加入端：分配座位（满员则为旁观者），发送欢迎消息与全量快照
func (r *Room) JoinPeer(id PeerID, conn Sender) *Peer {
	if old, ok := r.peers[id]; ok && old.Conn != nil && old.Conn != conn {
		old.Conn.Close()
	}
	seat, err := r.lobby.Occupy(string(id))
	if err != nil {
		r.log.Infof("peer joined as observer: peer=%s reason=%v", id, err)
	}
	limit, burst := r.commandLimits()
	p := newPeer(id, seat, conn, limit, burst)
	p.outboxMark = len(r.outbox)
	r.peers[id] = p
	r.metrics.IncJoined()

	r.sendTo(p, Message{
		Type:     MsgWelcome,
		Room:     r.ID,
		Peer:     string(id),
		Seat:     &seat,
		LastSeq:  r.seqs[id],
		JoinCode: r.lobby.JoinCode(),
	})
	snap, err := r.reg.Snapshot()
	if err != nil {
		r.log.Errorf("snapshot failed: peer=%s err=%v", id, err)
	} else {
		r.sendTo(p, Message{Type: MsgSnapshot, Cells: snap})
	}
	r.log.Infof("peer joined: peer=%s seat=%d", id, seat)
	return p
}

// LeavePeer 移除端，释放其瞄准；开局前同时清空座位
func (r *Room) LeavePeer(id PeerID, conn Sender) {
	p, ok := r.peers[id]
	if !ok || (conn != nil && p.Conn != conn) {
		return
	}
	if p.Conn != nil {
		p.Conn.Close()
	}
	delete(r.peers, id)
	r.objects.Release(string(id))
	if p.Seated() {
		if err := r.lobby.Vacate(string(id)); err != nil {
			r.log.Warnf("vacate failed: peer=%s err=%v", id, err)
		}
	}
	r.log.Infof("peer left: peer=%s", id)
}

// SpawnObject 生成物体并向已连接的端公告其 Cell（仅在 Tick 协程或 Do 回调中调用）
func (r *Room) SpawnObject(id string, kind toggle.Kind, initial toggle.State) error {
	if _, err := r.objects.Spawn(id, kind, initial); err != nil {
		return err
	}
	for _, name := range []string{toggle.KindCell(id), toggle.StateCell(id)} {
		if err := r.reg.Announce(name); err != nil {
			return err
		}
	}
	return nil
}

// BeginTick 新一帧开始
func (r *Room) BeginTick() {
	r.tickSeq.Add(1)
}

// BroadcastDelta 将本帧产生的增量与效果按产生顺序广播给所有端
func (r *Room) BroadcastDelta() {
	if len(r.outbox) == 0 {
		return
	}
	frames := r.outbox
	r.outbox = nil
	for _, p := range r.peers {
		mark := p.outboxMark
		p.outboxMark = 0
		if p.Conn == nil {
			continue
		}
		for _, b := range frames[mark:] {
			p.Conn.Enqueue(b)
		}
	}
}

func (r *Room) sendTo(p *Peer, msg Message) {
	if p.Conn == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		r.log.Errorf("encode %s failed: %v", msg.Type, err)
		return
	}
	p.Conn.Enqueue(b)
}

func (r *Room) enqueue(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		r.log.Errorf("encode %s failed: %v", msg.Type, err)
		return
	}
	r.outbox = append(r.outbox, b)
}

func (r *Room) onDelta(d replica.Delta) {
	r.enqueue(deltaMessage(d))
	r.metrics.IncDeltas()
	r.record(d)
}

func (r *Room) record(d replica.Delta) {
	if r.journal == nil {
		return
	}
	e := journal.Entry{
		Room:    r.ID,
		Cell:    d.Cell,
		Version: d.Version,
		Value:   string(d.Value),
		Removed: d.Removed,
		At:      time.Now(),
	}
	if r.current != nil {
		e.Issuer = string(r.current.Peer)
		e.Seq = r.current.Seq
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.journal.Record(ctx, e); err != nil {
		r.log.Warnf("journal record failed: cell=%s err=%v", d.Cell, err)
	}
}

func (r *Room) emitEffect(name string, params map[string]any) {
	r.enqueue(Message{Type: MsgEffect, Name: name, Params: params})
	r.metrics.IncEffects()
}

func (r *Room) objectHooks(kind toggle.Kind) toggle.Hooks {
	emit := func(suffix string) func(*toggle.Object) {
		return func(obj *toggle.Object) {
			r.emitEffect(string(kind)+"."+suffix, map[string]any{
				"object": obj.ID,
				"state":  obj.Label(),
			})
		}
	}
	return toggle.Hooks{
		OnEnterActive:   emit(EffectEnterActive),
		OnEnterInactive: emit(EffectEnterInactive),
	}
}

// authorizeToggle 仲裁端独立校验：必须是已就座的当前瞄准者；开局后还须持有对应能力，
// 没有能力的端（旁观者、超出能力表的角色）一律拒绝
func (r *Room) authorizeToggle(issuer string, obj *toggle.Object) error {
	if p, ok := r.peers[PeerID(issuer)]; !ok || !p.Seated() {
		return fmt.Errorf("%s on %s: not seated: %w", issuer, obj.ID, toggle.ErrNotPermitted)
	}
	if err := toggle.ControllerOnly(issuer, obj); err != nil {
		return err
	}
	if !r.lobby.IsStarted() {
		return nil
	}
	k, ok := r.abilities[PeerID(issuer)]
	if !ok {
		return fmt.Errorf("%s holds no ability for %s: %w", issuer, obj.ID, toggle.ErrNotPermitted)
	}
	if k != obj.Kind {
		return fmt.Errorf("%s holds %s, object %s is %s: %w", issuer, k, obj.ID, obj.Kind, toggle.ErrNotPermitted)
	}
	return nil
}

func (r *Room) onSessionStarted(ev lobby.Started) {
	for _, a := range ev.Seats {
		if a.Peer != "" && int(a.Slot) < len(abilityBySlot) {
			r.abilities[PeerID(a.Peer)] = abilityBySlot[a.Slot]
		}
	}
	seats := make([]map[string]any, 0, len(ev.Seats))
	for _, a := range ev.Seats {
		seats = append(seats, map[string]any{
			"seat":    a.Seat,
			"peer":    a.Peer,
			"slot":    int(a.Slot),
			"ability": string(r.abilities[PeerID(a.Peer)]),
		})
	}
	r.emitEffect(EffectSessionStarted, map[string]any{"host": ev.Host, "seats": seats})
	r.log.Infof("session started: seats=%+v", ev.Seats)
	if r.onStart != nil {
		r.onStart(ev)
	}
}

// RoomSettings 可热更新的房间参数
type RoomSettings struct {
	TickRate           int     `json:"tickRate"`
	MaxCommandsPerTick int     `json:"maxCommandsPerTick"`
	CommandRate        float64 `json:"commandRate"`
	CommandBurst       int     `json:"commandBurst"`
	SimulateDropProb   float64 `json:"simulateDropProb"`
}

func (r *Room) Settings() RoomSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomSettings{
		TickRate:           r.tickRate,
		MaxCommandsPerTick: r.maxCommandsPerTick,
		CommandRate:        r.commandRate,
		CommandBurst:       r.commandBurst,
		SimulateDropProb:   r.simulateDropProb,
	}
}

// ApplySettings 更新参数；限流参数同步到已连接的端（在 Tick 线程中执行）
func (r *Room) ApplySettings(s RoomSettings) {
	r.mu.Lock()
	r.maxCommandsPerTick = s.MaxCommandsPerTick
	r.commandRate = s.CommandRate
	r.commandBurst = s.CommandBurst
	r.simulateDropProb = s.SimulateDropProb
	r.mu.Unlock()

	limit, burst := r.commandLimits()
	r.push(event{kind: evExec, fn: func() {
		for _, p := range r.peers {
			p.limiter.SetLimit(limit)
			p.limiter.SetBurst(burst)
		}
	}})
}

func (r *Room) MaxCommandsPerTick() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxCommandsPerTick
}

func (r *Room) SimulateDropProb() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.simulateDropProb
}

func (r *Room) commandLimits() (rate.Limit, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	burst := r.commandBurst
	if burst < 1 {
		burst = 1
	}
	return rate.Limit(r.commandRate), burst
}
