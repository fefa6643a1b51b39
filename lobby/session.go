package lobby

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"coopsync/replica"
)

const (
	// SeatCount 协商会话固定两个座位
	SeatCount = 2
	// HostSeat 由仲裁者指定、对开局负责的座位
	HostSeat = 0
	// Unselected 座位尚未选择角色
	Unselected uint8 = 255
)

var (
	ErrUnknownSeat  = errors.New("lobby: unknown seat")
	ErrLobbyFull    = errors.New("lobby: no free seat")
	ErrPrecondition = errors.New("lobby: precondition not met")
	ErrStarted      = errors.New("lobby: session already started")
)

// Cell 名
const (
	StartedCell  = "lobby/started"
	JoinCodeCell = "lobby/join_code"
)

func SlotCell(seat int) string  { return fmt.Sprintf("lobby/seat/%d/slot", seat) }
func ReadyCell(seat int) string { return fmt.Sprintf("lobby/seat/%d/ready", seat) }

// Seat 一个座位：占用者仅仲裁者本地记录，选择与准备状态为复制 Cell
type Seat struct {
	Index    int
	Slot     *replica.Cell[uint8]
	Ready    *replica.Cell[bool]
	occupant string
}

func (s *Seat) Occupant() string { return s.occupant }

// Assignment 开局时每个座位的最终分配
type Assignment struct {
	Seat int    `json:"seat"`
	Peer string `json:"peer"`
	Slot uint8  `json:"slot"`
}

// Started 开局事件，交给场景切换层生成玩家实体
type Started struct {
	Host  int                    `json:"host"`
	Seats [SeatCount]Assignment `json:"seats"`
}

// Effect 不适合用 Cell 表达的瞬时效果（例如面板滑动）
type Effect struct {
	Name   string
	Params map[string]any
}

const EffectSlide = "lobby.slide"

type Config struct {
	// SlotCount 可选角色数量，SelectSlot 的输入会被裁剪到 [0, SlotCount-1]
	SlotCount int
	JoinCode  string
	OnStart   func(Started)
	OnEffect  func(Effect)
	Logger    *zap.SugaredLogger
}

// Session 大厅协商状态机。仲裁端的所有变更都应在命令处理协程中调用；
// 在副本 Registry 上构建时只读，可用于 CanConfirm 等派生判断。
type Session struct {
	reg       *replica.Registry
	seats     [SeatCount]*Seat
	started   *replica.Cell[bool]
	joinCode  *replica.Cell[string]
	slotCount int
	onStart   func(Started)
	onEffect  func(Effect)
	log       *zap.SugaredLogger
}

func NewSession(reg *replica.Registry, cfg Config) (*Session, error) {
	if cfg.SlotCount < 0 || cfg.SlotCount > int(Unselected) {
		return nil, fmt.Errorf("lobby: slot count %d out of range", cfg.SlotCount)
	}
	s := &Session{
		reg:       reg,
		slotCount: cfg.SlotCount,
		onStart:   cfg.OnStart,
		onEffect:  cfg.OnEffect,
		log:       cfg.Logger,
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	for i := range s.seats {
		slot, err := replica.Register(reg, SlotCell(i), Unselected)
		if err != nil {
			return nil, err
		}
		ready, err := replica.Register(reg, ReadyCell(i), false)
		if err != nil {
			return nil, err
		}
		s.seats[i] = &Seat{Index: i, Slot: slot, Ready: ready}
	}
	var err error
	if s.started, err = replica.Register(reg, StartedCell, false); err != nil {
		return nil, err
	}
	if s.joinCode, err = replica.Register(reg, JoinCodeCell, cfg.JoinCode); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Seat(i int) (*Seat, error) {
	if i < 0 || i >= SeatCount {
		return nil, fmt.Errorf("seat %d: %w", i, ErrUnknownSeat)
	}
	return s.seats[i], nil
}

// SeatOf 返回 peer 占用的座位
func (s *Session) SeatOf(peer string) (*Seat, error) {
	for _, seat := range s.seats {
		if peer != "" && seat.occupant == peer {
			return seat, nil
		}
	}
	return nil, fmt.Errorf("peer %s: %w", peer, ErrUnknownSeat)
}

func (s *Session) StartedCell() *replica.Cell[bool]    { return s.started }
func (s *Session) JoinCodeCell() *replica.Cell[string] { return s.joinCode }
func (s *Session) IsStarted() bool                     { return s.started.Read() }
func (s *Session) JoinCode() string                    { return s.joinCode.Read() }
func (s *Session) SlotCount() int                      { return s.slotCount }

// SetJoinCode 仅仲裁者可写；开局后仍保留供晚到的读取
func (s *Session) SetJoinCode(code string) error {
	return s.joinCode.Write(code)
}

// Occupy 为 peer 分配座位：已就座则返回原座位（断线重连），否则取第一个空座
func (s *Session) Occupy(peer string) (int, error) {
	if seat, err := s.SeatOf(peer); err == nil {
		return seat.Index, nil
	}
	if s.IsStarted() {
		return -1, fmt.Errorf("occupy %s: %w", peer, ErrStarted)
	}
	for _, seat := range s.seats {
		if seat.occupant == "" {
			seat.occupant = peer
			s.log.Infof("seat occupied: seat=%d peer=%s", seat.Index, peer)
			return seat.Index, nil
		}
	}
	return -1, fmt.Errorf("occupy %s: %w", peer, ErrLobbyFull)
}

// Vacate 开局前离开则清空座位；开局后保留占用以便重连
func (s *Session) Vacate(peer string) error {
	seat, err := s.SeatOf(peer)
	if err != nil {
		return err
	}
	if s.IsStarted() {
		return nil
	}
	seat.occupant = ""
	if err := seat.Ready.Write(false); err != nil {
		return err
	}
	if err := seat.Slot.Write(Unselected); err != nil {
		return err
	}
	s.log.Infof("seat vacated: seat=%d peer=%s", seat.Index, peer)
	s.emitSlide()
	return nil
}

// SelectSlot 选择角色：输入裁剪到合法范围，写入后无条件清除该座位的准备状态
func (s *Session) SelectSlot(peer string, slot int) error {
	if s.IsStarted() {
		return fmt.Errorf("select %s: %w", peer, ErrStarted)
	}
	seat, err := s.SeatOf(peer)
	if err != nil {
		return err
	}
	if s.slotCount <= 0 {
		return fmt.Errorf("select %s: no slots configured: %w", peer, ErrPrecondition)
	}
	clamped := clamp(slot, 0, s.slotCount-1)
	if clamped != slot {
		s.log.Debugf("slot clamped: peer=%s requested=%d applied=%d", peer, slot, clamped)
	}
	if err := seat.Slot.Write(uint8(clamped)); err != nil {
		return err
	}
	if err := seat.Ready.Write(false); err != nil {
		return err
	}
	s.emitSlide()
	s.EvaluateStart()
	return nil
}

// ToggleReady 切换准备状态。进入准备前仲裁端独立校验 CanConfirm，取消准备总是允许。
func (s *Session) ToggleReady(peer string) error {
	if s.IsStarted() {
		return fmt.Errorf("ready %s: %w", peer, ErrStarted)
	}
	seat, err := s.SeatOf(peer)
	if err != nil {
		return err
	}
	cur := seat.Ready.Read()
	if !cur && !s.CanConfirm(seat.Index) {
		return fmt.Errorf("ready %s: slot %d not confirmable: %w", peer, seat.Slot.Read(), ErrPrecondition)
	}
	if err := seat.Ready.Write(!cur); err != nil {
		return err
	}
	s.EvaluateStart()
	return nil
}

// CanConfirm 派生判断：已选角色，且对方未选或与对方不冲突
func (s *Session) CanConfirm(seat int) bool {
	if seat < 0 || seat >= SeatCount {
		return false
	}
	mine := s.seats[seat].Slot.Read()
	other := s.seats[1-seat].Slot.Read()
	return CanConfirm(mine, other)
}

// CanConfirm 纯函数版本，供只持有两个槽位值的调用方使用
func CanConfirm(mine, other uint8) bool {
	return mine != Unselected && (other == Unselected || mine != other)
}

// EvaluateStart 满足开局条件时写入 started（仅一次），返回本次是否触发
func (s *Session) EvaluateStart() bool {
	if s.started.Read() {
		return false
	}
	a, b := s.seats[0], s.seats[1]
	sa, sb := a.Slot.Read(), b.Slot.Read()
	ok := sa != Unselected && sb != Unselected && sa != sb && a.Ready.Read() && b.Ready.Read()
	s.log.Debugf("evaluate start: slots=[%d,%d] ready=[%v,%v] => %v", sa, sb, a.Ready.Read(), b.Ready.Read(), ok)
	if !ok {
		return false
	}
	if err := s.started.Write(true); err != nil {
		s.log.Errorf("start write failed: %v", err)
		return false
	}
	ev := Started{Host: HostSeat}
	for i, seat := range s.seats {
		ev.Seats[i] = Assignment{Seat: i, Peer: seat.occupant, Slot: seat.Slot.Read()}
	}
	s.log.Infof("session started: seats=%+v", ev.Seats)
	if s.onStart != nil {
		s.onStart(ev)
	}
	return true
}

// Assignments 当前座位快照
func (s *Session) Assignments() [SeatCount]Assignment {
	var out [SeatCount]Assignment
	for i, seat := range s.seats {
		out[i] = Assignment{Seat: i, Peer: seat.occupant, Slot: seat.Slot.Read()}
	}
	return out
}

func (s *Session) emitSlide() {
	if s.onEffect == nil {
		return
	}
	s.onEffect(Effect{Name: EffectSlide, Params: map[string]any{
		"hostIndex":   int(s.seats[0].Slot.Read()),
		"clientIndex": int(s.seats[1].Slot.Read()),
	}})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
