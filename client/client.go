// Package client 是仲裁服务的端侧实现：维护只读副本、发送带序列号的意图命令。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coopsync/lobby"
	"coopsync/replica"
	"coopsync/server"
	"coopsync/toggle"
)

var ErrClosed = errors.New("client: connection closed")

// Effect 仲裁者广播的瞬时效果
type Effect struct {
	Name   string
	Params map[string]any
}

type Config struct {
	// URL 服务端 WebSocket 地址，例如 ws://localhost:8080/ws
	URL  string
	Room string
	Peer string

	OnEffect func(Effect)
	Logger   *zap.SugaredLogger
	Dialer   *websocket.Dialer
}

// Client 一个已连接的端
type Client struct {
	conn *websocket.Conn
	reg  *replica.Registry
	view *lobby.Session
	log  *zap.SugaredLogger

	writeMu  sync.Mutex
	mirrorMu sync.Mutex

	mu       sync.Mutex
	seat     int
	seq      int64
	last     []byte
	onEffect []func(Effect)

	welcomed  chan struct{}
	synced    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial 连接仲裁者并开始接收快照与增量
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Peer == "" {
		return nil, fmt.Errorf("client: missing peer id")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("peer", cfg.Peer)
	if cfg.Room != "" {
		q.Set("room", cfg.Room)
	}
	u.RawQuery = q.Encode()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", u.Redacted(), err)
	}

	reg := replica.NewRegistry(replica.RolePeer)
	view, err := lobby.NewSession(reg, lobby.Config{})
	if err != nil {
		conn.Close()
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Client{
		conn:     conn,
		reg:      reg,
		view:     view,
		log:      log.With("peer", cfg.Peer),
		seat:     -1,
		welcomed: make(chan struct{}),
		synced:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.OnEffect != nil {
		c.onEffect = append(c.onEffect, cfg.OnEffect)
	}
	go c.readLoop()
	return c, nil
}

// OnEffect 追加效果回调；回调在读协程中执行
func (c *Client) OnEffect(fn func(Effect)) {
	c.mu.Lock()
	c.onEffect = append(c.onEffect, fn)
	c.mu.Unlock()
}

// Lobby 大厅的只读副本
func (c *Client) Lobby() *lobby.Session { return c.view }

func (c *Client) Registry() *replica.Registry { return c.reg }

// Seat 仲裁者分配的座位，-1 表示旁观者或尚未收到欢迎消息
func (c *Client) Seat() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seat
}

// LastSeq 最近发出的命令序列号
func (c *Client) LastSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// CanConfirm 本地派生判断，仅用于界面提示；仲裁者会独立校验
func (c *Client) CanConfirm() bool {
	return c.view.CanConfirm(c.Seat())
}

// Object 返回物体的副本视图；尚未收到该物体时返回 false
func (c *Client) Object(id string) (*toggle.Object, bool) {
	if !c.reg.Has(toggle.StateCell(id)) {
		return nil, false
	}
	obj, err := c.mirror(id)
	if err != nil {
		return nil, false
	}
	return obj, true
}

// WaitReady 等待欢迎消息与首个快照
func (c *Client) WaitReady(ctx context.Context) error {
	for _, ch := range []chan struct{}{c.welcomed, c.synced} {
		select {
		case <-ch:
		case <-c.done:
			return c.closedErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WaitFor 轮询直到 cond 成立
func (c *Client) WaitFor(ctx context.Context, cond func(*Client) bool) error {
	tk := time.NewTicker(5 * time.Millisecond)
	defer tk.Stop()
	for {
		if cond(c) {
			return nil
		}
		select {
		case <-tk.C:
		case <-c.done:
			return c.closedErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done 读协程退出后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) SelectSlot(slot int) error {
	return c.send(server.CommandMessage{Type: string(server.CmdSelect), Slot: slot})
}

func (c *Client) ToggleReady() error {
	return c.send(server.CommandMessage{Type: string(server.CmdReady)})
}

// Aim 瞄准物体；空 id 取消瞄准
func (c *Client) Aim(id string) error {
	return c.send(server.CommandMessage{Type: string(server.CmdAim), Object: id})
}

func (c *Client) Toggle(id string) error {
	return c.send(server.CommandMessage{Type: string(server.CmdToggle), Object: id})
}

// Resend 以原序列号重发上一条命令（丢包重试），仲裁者对已接受的序列号去重
func (c *Client) Resend() error {
	c.mu.Lock()
	b := c.last
	c.mu.Unlock()
	if b == nil {
		return fmt.Errorf("client: nothing to resend")
	}
	return c.write(b)
}

func (c *Client) send(cm server.CommandMessage) error {
	c.mu.Lock()
	c.seq++
	cm.Seq = c.seq
	b, err := json.Marshal(cm)
	if err == nil {
		c.last = b
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", cm.Type, err)
	}
	return c.write(b)
}

func (c *Client) write(b []byte) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// Close 发送关闭帧并等待读协程退出
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	return c.conn.Close()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Debugf("read loop ended: %v", err)
			}
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		var msg server.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.log.Warnf("bad message: %v", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg server.Message) {
	switch msg.Type {
	case server.MsgWelcome:
		c.mu.Lock()
		if msg.Seat != nil {
			c.seat = *msg.Seat
		}
		// 断线重连：从仲裁者记录的序列号继续，否则新命令会被当作重复丢弃
		if msg.LastSeq > c.seq {
			c.seq = msg.LastSeq
		}
		c.mu.Unlock()
		c.closeOnce.Do(func() { close(c.welcomed) })
		c.log.Infof("welcome: room=%s seat=%d lastSeq=%d joinCode=%s", msg.Room, c.Seat(), msg.LastSeq, msg.JoinCode)
	case server.MsgSnapshot:
		for _, d := range msg.Cells {
			c.apply(d)
		}
		select {
		case <-c.synced:
		default:
			close(c.synced)
		}
	case server.MsgDelta, server.MsgRemove:
		c.apply(msg.Delta())
	case server.MsgEffect:
		c.mu.Lock()
		handlers := append([]func(Effect){}, c.onEffect...)
		c.mu.Unlock()
		ev := Effect{Name: msg.Name, Params: msg.Params}
		for _, fn := range handlers {
			fn(ev)
		}
	default:
		c.log.Debugf("ignored message type %q", msg.Type)
	}
}

// apply 应用增量；未知的物体 Cell 先建立副本再重试
func (c *Client) apply(d replica.Delta) {
	_, err := c.reg.Apply(d)
	if errors.Is(err, replica.ErrUnknownCell) {
		id, ok := toggle.ObjectIDFromCell(d.Cell)
		if !ok {
			c.log.Debugf("delta for unknown cell %s", d.Cell)
			return
		}
		if _, err := c.mirror(id); err != nil {
			c.log.Warnf("mirror %s: %v", id, err)
			return
		}
		_, err = c.reg.Apply(d)
	}
	if err != nil {
		c.log.Warnf("apply %s: %v", d.Cell, err)
	}
}

func (c *Client) mirror(id string) (*toggle.Object, error) {
	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()
	return toggle.Mirror(c.reg, id)
}
