/*
Package pool 管理一组到同一个服务端的连接。

支持：
- MinSize ≤ 空闲数 + 使用中 ≤ MaxSize，按需增长。
- 获取时优先复用绑定到同一个库的空闲连接；达到上限时淘汰绑定到其他库的空闲连接，
  没有可淘汰的连接则阻塞等待，等待可以通过 ctx 取消。
- 放回时拒绝事务中、订阅中或库号被改变的连接（关闭而不是回收）。
- 建连限速（x/time/rate）、空闲超时（时间轮）和后台维护。

调用 Close 会关闭池和所有空闲连接，使用中的连接在放回时关闭。
*/
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"asyncredis/interface/redis"
	"asyncredis/lib/logger"
	"asyncredis/lib/metrics"
	"asyncredis/lib/sync/wait"
	"asyncredis/lib/timewheel"
	"asyncredis/rediserr"
	"asyncredis/redis/connection"
)

type Config struct {
	MinSize int
	MaxSize int
	// DB 预建连接（MinSize）绑定的库
	DB int
	// 超过 MinSize 的空闲连接在 IdleTimeout 后关闭，0 表示由维护任务直接回收
	IdleTimeout time.Duration
	// 后台维护间隔，0 表示不启动维护协程
	MaintenanceInterval time.Duration
	// 每秒最多新建的连接数，0 表示不限速
	DialRate  float64
	DialBurst int

	Logger  hclog.Logger
	Metrics *metrics.Metrics
}

// DialFunc 新建一条绑定到 db 的连接
type DialFunc func(ctx context.Context, db int) (*connection.Conn, error)

type Pool struct {
	cfg     Config
	dial    DialFunc
	limiter *rate.Limiter
	wheel   *timewheel.TimeWheel
	log     hclog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	idles   []*connection.Conn
	inUse   map[*connection.Conn]int // 获取时绑定的库号
	dialing int                      // 正在建立、已占用容量的连接
	// 容量或空闲连接变化时 close 并替换，唤醒所有等待者
	wake   chan struct{}
	closed bool

	done  chan struct{}
	loops wait.Wait
}

// New 创建连接池并预建 MinSize 条连接，预建失败时关闭已建立的连接并返回错误
func New(ctx context.Context, cfg Config, dial DialFunc) (*Pool, error) {
	if cfg.MaxSize <= 0 {
		return nil, rediserr.Invalid("pool max size must be positive, got %d", cfg.MaxSize)
	}
	if cfg.MinSize < 0 || cfg.MinSize > cfg.MaxSize {
		return nil, rediserr.Invalid("pool min size %d out of range [0, %d]", cfg.MinSize, cfg.MaxSize)
	}
	if dial == nil {
		return nil, rediserr.Invalid("pool requires a dial function")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("pool")
	}
	p := &Pool{
		cfg:     cfg,
		dial:    dial,
		log:     log,
		metrics: cfg.Metrics,
		inUse:   make(map[*connection.Conn]int),
		wake:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.DialRate > 0 {
		burst := cfg.DialBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.DialRate), burst)
	}
	if cfg.IdleTimeout > 0 {
		interval := cfg.IdleTimeout / 8
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		p.wheel = timewheel.New(interval, 16)
		p.wheel.Start()
	}

	if err := p.fill(ctx); err != nil {
		p.Close()
		return nil, err
	}
	if cfg.MaintenanceInterval > 0 {
		p.loops.Go(p.maintain)
	}
	return p, nil
}

// 调用方持有 p.mu
func (p *Pool) notify() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// 调用方持有 p.mu
func (p *Pool) size() int {
	return len(p.idles) + len(p.inUse) + p.dialing
}

// Acquire 返回一条绑定到 db 的连接，用完后必须调用 Release
func (p *Pool) Acquire(ctx context.Context, db int) (*connection.Conn, error) {
	start := time.Now()
	defer p.metrics.MeasureSince([]string{"pool", "acquire"}, start)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, rediserr.PoolClosed()
		}
		if c := p.takeIdle(db); c != nil {
			p.inUse[c] = db
			p.gauges()
			p.mu.Unlock()
			return c, nil
		}
		if p.size() < p.cfg.MaxSize {
			p.dialing++
			p.mu.Unlock()
			return p.create(ctx, db)
		}
		// 空闲连接都绑定到其他库：淘汰最久未用的一条，腾出容量
		if len(p.idles) > 0 {
			victim := p.idles[0]
			p.idles = p.idles[1:]
			p.dialing++
			p.mu.Unlock()
			p.forget(victim)
			p.log.Debug("evict idle connection", "conn_id", victim.ID(), "db", victim.DB(), "want_db", db)
			victim.Close(rediserr.ExplicitClose)
			return p.create(ctx, db)
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, rediserr.Cancel(ctx.Err())
		}
	}
}

// takeIdle 取出最近放回的、绑定到 db 的空闲连接，顺带丢弃已关闭的连接。调用方持有 p.mu
func (p *Pool) takeIdle(db int) *connection.Conn {
	for i := len(p.idles) - 1; i >= 0; i-- {
		c := p.idles[i]
		if c.Closed() {
			p.idles = append(p.idles[:i], p.idles[i+1:]...)
			p.forget(c)
			continue
		}
		if c.DB() == db {
			p.idles = append(p.idles[:i], p.idles[i+1:]...)
			p.forget(c)
			return c
		}
	}
	return nil
}

// create 在已经占用一个容量（p.dialing）的前提下建立连接
func (p *Pool) create(ctx context.Context, db int) (*connection.Conn, error) {
	c, err := p.newConn(ctx, db)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing--
	if err != nil {
		p.notify()
		return nil, err
	}
	if p.closed {
		c.Close(rediserr.ExplicitClose)
		p.notify()
		return nil, rediserr.PoolClosed()
	}
	p.inUse[c] = db
	p.gauges()
	return c, nil
}

func (p *Pool) newConn(ctx context.Context, db int) (*connection.Conn, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, rediserr.Cancel(ctx.Err())
			}
			return nil, fmt.Errorf("dial rate limit: %w", err)
		}
	}
	c, err := p.dial(ctx, db)
	if err != nil {
		p.metrics.IncrCounter([]string{"pool", "dial_errors"})
		return nil, err
	}
	p.metrics.IncrCounter([]string{"pool", "dials"})
	return c, nil
}

// Release 放回连接。事务中、订阅中或库号已改变的连接会被关闭，已关闭的连接直接丢弃
func (p *Pool) Release(c *connection.Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	db, ok := p.inUse[c]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, c)

	reason := rediserr.NoReason
	switch {
	case p.closed:
		reason = rediserr.ExplicitClose
	case c.Closed():
	case c.Mode() == redis.ModeInMulti:
		reason = rediserr.PoolMultiExec
	case c.Mode() == redis.ModeSubscribed:
		reason = rediserr.PoolPubSub
	case c.DB() != db:
		reason = rediserr.PoolDBMismatch
	default:
		p.idles = append(p.idles, c)
	}
	p.notify()
	p.gauges()
	idle := reason == rediserr.NoReason && !c.Closed()
	p.mu.Unlock()

	if reason != rediserr.NoReason {
		p.metrics.IncrCounter([]string{"pool", "rejected"}, metrics.Label{Name: "reason", Value: reason.String()})
		if reason != rediserr.ExplicitClose {
			p.log.Warn("connection rejected on release", "conn_id", c.ID(), "reason", reason)
		}
		c.Close(reason)
		return
	}
	if idle && p.wheel != nil {
		p.wheel.AddJob(p.cfg.IdleTimeout, c.ID(), func() { p.expire(c) })
	}
}

// expire 空闲超时，连接数大于 MinSize 时关闭该连接
func (p *Pool) expire(c *connection.Conn) {
	p.mu.Lock()
	if p.size() <= p.cfg.MinSize || !p.removeIdle(c) {
		p.mu.Unlock()
		return
	}
	p.notify()
	p.gauges()
	p.mu.Unlock()
	p.log.Debug("close idle connection", "conn_id", c.ID())
	c.Close(rediserr.ExplicitClose)
}

// 调用方持有 p.mu
func (p *Pool) removeIdle(c *connection.Conn) bool {
	for i, idle := range p.idles {
		if idle == c {
			p.idles = append(p.idles[:i], p.idles[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) forget(c *connection.Conn) {
	if p.wheel != nil {
		p.wheel.RemoveJob(c.ID())
	}
}

// fill 预建连接直到总数达到 MinSize
func (p *Pool) fill(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || p.size() >= p.cfg.MinSize {
			p.mu.Unlock()
			return nil
		}
		p.dialing++
		p.mu.Unlock()

		c, err := p.newConn(ctx, p.cfg.DB)
		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.notify()
			p.mu.Unlock()
			return err
		}
		if p.closed {
			p.mu.Unlock()
			c.Close(rediserr.ExplicitClose)
			return rediserr.PoolClosed()
		}
		p.idles = append(p.idles, c)
		p.notify()
		p.gauges()
		p.mu.Unlock()
	}
}

// Trim 丢弃已关闭的空闲连接，把其余空闲连接取出来并发 PING，再经 Release 放回，
// 检查期间这些连接算作使用中，不会被 Acquire 拿到。最后补足 MinSize。
// 没有设置 IdleTimeout 时同时关闭超过 MinSize 的空闲连接
func (p *Pool) Trim(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return rediserr.PoolClosed()
	}
	var drop []*connection.Conn
	alive := p.idles[:0]
	for _, c := range p.idles {
		p.forget(c)
		if c.Closed() {
			continue
		}
		alive = append(alive, c)
	}
	p.idles = alive
	if p.cfg.IdleTimeout == 0 {
		for len(p.idles) > 0 && p.size() > p.cfg.MinSize {
			drop = append(drop, p.idles[0])
			p.idles = p.idles[1:]
		}
	}
	check := p.idles
	p.idles = nil
	for _, c := range check {
		p.inUse[c] = c.DB()
	}
	p.notify()
	p.gauges()
	p.mu.Unlock()

	for _, c := range drop {
		c.Close(rediserr.ExplicitClose)
	}
	var checking wait.Wait
	for _, c := range check {
		checking.Go(func() {
			defer p.Release(c)
			if err := c.Ping(ctx); err != nil && rediserr.KindOf(err) != rediserr.KindCancelled {
				p.log.Warn("idle connection failed health check", "conn_id", c.ID(), "error", err)
				c.Close(rediserr.ExplicitClose)
			}
		})
	}
	checking.Wait()

	return p.fill(ctx)
}

func (p *Pool) maintain() {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.MaintenanceInterval)
			if err := p.Trim(ctx); err != nil && rediserr.KindOf(err) != rediserr.KindPoolClosed {
				p.log.Warn("pool maintenance failed", "error", err)
			}
			cancel()
		case <-p.done:
			return
		}
	}
}

// Clear 关闭所有空闲连接
func (p *Pool) Clear() {
	p.mu.Lock()
	idles := p.idles
	p.idles = nil
	p.notify()
	p.gauges()
	p.mu.Unlock()
	for _, c := range idles {
		p.forget(c)
		c.Close(rediserr.ExplicitClose)
	}
}

// Close 幂等。阻塞中的 Acquire 返回 PoolClosedError
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idles := p.idles
	p.idles = nil
	close(p.done)
	p.notify()
	p.mu.Unlock()

	if p.wheel != nil {
		p.wheel.Stop()
	}
	for _, c := range idles {
		c.Close(rediserr.ExplicitClose)
	}
	p.loops.Wait()
	p.log.Debug("pool closed", "idle_closed", len(idles))
}

// 调用方持有 p.mu
func (p *Pool) gauges() {
	p.metrics.SetGauge([]string{"pool", "size"}, float32(len(p.idles)+len(p.inUse)))
	p.metrics.SetGauge([]string{"pool", "idle"}, float32(len(p.idles)))
}

// Size 空闲与使用中的连接总数
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idles) + len(p.inUse)
}

func (p *Pool) FreeSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idles)
}

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) MinSize() int {
	return p.cfg.MinSize
}

func (p *Pool) MaxSize() int {
	return p.cfg.MaxSize
}
