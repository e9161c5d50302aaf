// Package connection 实现单条连接上的流水线执行器。
//
// Execute 只负责编码和入队，从不等待 I/O；写协程按提交顺序把命令刷到链路上，
// 读协程解析回复并按 FIFO 顺序交给最早提交的请求。
package connection

/*
+------------------+
|  Execute         |  编码参数、检查模式，在同一把锁内
|  SET key value   |  追加到 pending 与 outbox
+--------+---------+
         |
         v
+------------------+     +------------------+
|  outbox          | --> |  writeLoop       | --> bufio 批量写入 transport
| (待发送帧)        |     | (唯一的写者)      |
+------------------+     +------------------+

+------------------+     +------------------+
|  dispatch        | <-- |   ParseStream    | <-- 读取 transport
| (FIFO 匹配请求)   |     | (增量解析)        |
+--------+---------+     +------------------+
         |
         +--> pending 队头的 Future.Resolve
         +--> message / pmessage 交给 pubsub.Mux
*/

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"

	"asyncredis/interface/redis"
	"asyncredis/lib/logger"
	"asyncredis/lib/metrics"
	"asyncredis/lib/sync/future"
	"asyncredis/lib/sync/wait"
	"asyncredis/lib/utils"
	"asyncredis/protocol"
	"asyncredis/rediserr"
	"asyncredis/redis/pubsub"
)

type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

var stateNames = []string{"opening", "open", "closing", "closed"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// 一个等待回复的命令
type request struct {
	cmd    string
	hint   redis.Hint
	fut    *future.Future
	pubsub bool
	// 在分发协程中、Resolve 之前调用
	onReply func(reply redis.Reply)
	start   time.Time
	seq     uint64
}

type Conn struct {
	id        string
	addr      string
	transport io.ReadWriteCloser
	encoding  string
	log       hclog.Logger
	metrics   *metrics.Metrics

	state atomic.Int32
	mode  atomic.Int32
	db    atomic.Int64

	// mu 保护 pending、outbox 和关闭原因，入队时两者在同一把锁内追加，
	// 保证链路上的顺序与 pending 一致
	mu          sync.Mutex
	pending     *list.List
	outbox      [][]byte
	subscribing int
	reason      rediserr.CloseReason
	cause       error

	// seq 是最后一个入队请求的序号，pushFrom 是进入订阅模式的第一个订阅请求的序号
	seq      uint64
	pushFrom uint64

	wakeup chan struct{}
	done   chan struct{}
	loops  wait.Wait

	bufSize int
	mux     *pubsub.Mux
}

var _ redis.Executor = (*Conn)(nil)

// Dial 建立 TCP 连接，并依次执行 AUTH、CLIENT SETNAME、SELECT
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	dialer := &net.Dialer{Timeout: o.dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	o.addr = addr
	db := o.db
	o.db = 0
	c := newConn(nc, o)

	if err := c.handshake(ctx, o.password, o.name, db); err != nil {
		c.Close(rediserr.ExplicitClose)
		return nil, err
	}
	return c, nil
}

// New 在已有的传输层上创建连接，不执行任何握手命令
func New(transport io.ReadWriteCloser, opts ...Option) *Conn {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newConn(transport, o)
}

func newConn(transport io.ReadWriteCloser, o *options) *Conn {
	id := ulid.Make().String()
	log := o.log
	if log == nil {
		log = logger.Named("conn")
	}
	c := &Conn{
		id:        id,
		addr:      o.addr,
		transport: transport,
		encoding:  o.encoding,
		log:       log.With("conn_id", id, "addr", o.addr),
		metrics:   o.metrics,
		pending:   list.New(),
		wakeup:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		bufSize:   o.writeBufferSize,
		mux:       pubsub.NewMux(o.channelLimit, o.encoding),
	}
	c.state.Store(int32(StateOpening))
	c.db.Store(int64(o.db))
	c.loops.Go(c.writeLoop)
	c.loops.Go(c.readLoop)
	c.state.Store(int32(StateOpen))
	c.log.Debug("connection opened")
	return c
}

func (c *Conn) handshake(ctx context.Context, password, name string, db int) error {
	if password != "" {
		if err := c.Auth(ctx, password); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if name != "" {
		if err := c.Execute("CLIENT", "SETNAME", name).OK(ctx); err != nil {
			return fmt.Errorf("client setname: %w", err)
		}
	}
	if db != 0 {
		if err := c.Select(ctx, db); err != nil {
			return fmt.Errorf("select %d: %w", db, err)
		}
	}
	return nil
}

func (c *Conn) Execute(command string, args ...any) *future.Future {
	return c.ExecuteHint(redis.Hint{}, command, args...)
}

// ExecuteHint 提交一条命令，立即返回 Future。
// 参数不能表示成 bulk string、连接已关闭或当前模式不允许时，返回已完成的 Future
func (c *Conn) ExecuteHint(hint redis.Hint, command string, args ...any) *future.Future {
	if command == "" {
		return future.Resolved(nil, rediserr.Invalid("empty command name"))
	}
	lower := strings.ToLower(command)
	if pubsub.IsPubSubCommand(lower) {
		return future.Resolved(nil, rediserr.Invalid("%s must be issued through the pub/sub API", command))
	}
	encoded, err := encodeArgs(command, args)
	if err != nil {
		return future.Resolved(nil, err)
	}
	if _, err := protocol.LookupEncoding(hint.Encoding); err != nil {
		return future.Resolved(nil, err)
	}
	if hint.Encoding == "" && !hint.Raw {
		hint.Encoding = c.encoding
	}

	req := &request{cmd: lower, hint: hint, fut: future.New(), start: time.Now()}
	if lower == "select" && len(args) == 1 {
		db, _ := utils.ToBytes(args[0])
		req.onReply = c.selectHook(string(db))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return future.Resolved(nil, err)
	}
	if err := c.transition(lower); err != nil {
		return future.Resolved(nil, err)
	}
	c.enqueue(encoded, req)
	return req.fut
}

func encodeArgs(command string, args []any) ([]byte, error) {
	line := make([][]byte, len(args))
	for i, arg := range args {
		b, ok := utils.ToBytes(arg)
		if !ok {
			return nil, rediserr.Invalid("argument %d of %s has unsupported type %T", i, command, arg)
		}
		line[i] = b
	}
	return protocol.EncodeCommand(command, line...), nil
}

// 调用方持有 c.mu
func (c *Conn) checkOpen() error {
	if State(c.state.Load()) != StateOpen {
		return rediserr.ConnectionClosed(c.reason, c.cause)
	}
	return nil
}

// transition 在提交时检查并记录模式切换，调用方持有 c.mu
func (c *Conn) transition(cmd string) error {
	mode := c.Mode()
	switch mode {
	case redis.ModeSubscribed:
		if cmd != "ping" && cmd != "quit" {
			return rediserr.Invalid("connection is in subscribe mode, only pub/sub commands and PING are allowed")
		}
		return nil
	}
	switch cmd {
	case "multi":
		if mode == redis.ModeInMulti {
			return rediserr.Invalid("MULTI calls can not be nested")
		}
		c.mode.Store(int32(redis.ModeInMulti))
	case "exec", "discard":
		if mode != redis.ModeInMulti {
			return rediserr.Invalid("%s without MULTI", strings.ToUpper(cmd))
		}
		c.mode.Store(int32(redis.ModeNormal))
	}
	return nil
}

// enqueue 调用方持有 c.mu
func (c *Conn) enqueue(frame []byte, reqs ...*request) {
	for _, req := range reqs {
		c.seq++
		req.seq = c.seq
		c.pending.PushBack(req)
	}
	c.outbox = append(c.outbox, frame)
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
	c.metrics.IncrCounter([]string{"conn", "commands"}, metrics.Label{Name: "cmd", Value: reqs[0].cmd})
}

// SELECT 成功后更新绑定的库号。事务内的 SELECT 回复是 QUEUED，不会更新
func (c *Conn) selectHook(db string) func(redis.Reply) {
	return func(reply redis.Reply) {
		if !protocol.IsOKReply(reply) {
			return
		}
		if n, err := strconv.ParseInt(db, 10, 64); err == nil {
			c.db.Store(n)
		}
	}
}

// Close 幂等，只有第一次的 reason 会被保留。不会等待读写协程退出，可以在分发协程内调用
func (c *Conn) Close(reason rediserr.CloseReason) {
	c.closeWithError(reason, nil)
}

func (c *Conn) closeWithError(reason rediserr.CloseReason, cause error) {
	c.mu.Lock()
	if State(c.state.Load()) >= StateClosing {
		c.mu.Unlock()
		return
	}
	c.state.Store(int32(StateClosing))
	c.reason = reason
	c.cause = cause
	pending := c.pending
	c.pending = list.New()
	c.outbox = nil
	c.mu.Unlock()

	close(c.done)
	_ = c.transport.Close()

	err := rediserr.ConnectionClosed(reason, cause)
	for e := pending.Front(); e != nil; e = e.Next() {
		e.Value.(*request).fut.Resolve(nil, err)
	}
	c.mux.CloseAll()
	c.state.Store(int32(StateClosed))

	c.metrics.IncrCounter([]string{"conn", "closed"}, metrics.Label{Name: "reason", Value: reason.String()})
	switch reason {
	case rediserr.ExplicitClose:
		c.log.Debug("connection closed", "reason", reason, "pending", pending.Len())
	default:
		c.log.Warn("connection closed", "reason", reason, "pending", pending.Len(), "error", cause)
	}
}

// WaitClosed 等待读写协程全部退出
func (c *Conn) WaitClosed(ctx context.Context) error {
	return c.loops.WaitContext(ctx)
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) DB() int {
	return int(c.db.Load())
}

func (c *Conn) Encoding() string {
	return c.encoding
}

func (c *Conn) Mode() redis.Mode {
	return redis.Mode(c.mode.Load())
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) Closed() bool {
	return c.State() >= StateClosing
}

// CloseReason 未关闭时返回 NoReason
func (c *Conn) CloseReason() rediserr.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Conn) InTransaction() bool {
	return c.Mode() == redis.ModeInMulti
}

// InPubSub 当前登记的频道和模式总数
func (c *Conn) InPubSub() int {
	channels, patterns := c.mux.Count()
	return channels + patterns
}

func (c *Conn) PubSubChannels() []string {
	return c.mux.Channels()
}

func (c *Conn) PubSubPatterns() []string {
	return c.mux.Patterns()
}

// PubSubChannel 返回已登记的频道或模式，没有时返回 nil
func (c *Conn) PubSubChannel(name string, isPattern bool) *pubsub.Channel {
	return c.mux.Lookup(name, isPattern)
}

// Pending 已提交但还没有收到回复的命令数
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(%s, addr=%s, db=%d, mode=%s, state=%s)", c.id, c.addr, c.DB(), c.Mode(), c.State())
}

// recoverPanic 调用时不能持有 c.mu
func (c *Conn) recoverPanic() {
	if err := recover(); err != nil {
		logger.Error(err, string(debug.Stack()))
		c.closeWithError(rediserr.ProtocolError, fmt.Errorf("panic: %v", err))
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
