// Package client 是面向调用方的入口：通过连接池执行命令、批量执行和事务，
// 订阅使用独占连接，心跳协程定期 PING 订阅连接。
package client

/*
+------------------+
|  Do / Pipeline   | --> pool.Acquire --> Conn.Execute --> pool.Release
|  MultiExec       |
+------------------+

+------------------+
|  Subscribe       | --> 独占连接（不经过连接池），Subscription.Close 时关闭
+------------------+

+------------------+
|   heartbeat      | --每 HeartbeatInterval--> 订阅连接 PING
+------------------+
*/

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"asyncredis/config"
	"asyncredis/interface/redis"
	"asyncredis/lib/logger"
	"asyncredis/lib/metrics"
	"asyncredis/lib/sync/wait"
	"asyncredis/rediserr"
	"asyncredis/redis/connection"
	"asyncredis/redis/pool"
	"asyncredis/redis/tx"
)

const (
	created = iota
	running
	closed
)

const maxHeartbeatWait = 3 * time.Second

type Client struct {
	props   *config.ClientProperties
	pool    *pool.Pool
	metrics *metrics.Metrics
	logger  *logger.Logger
	log     hclog.Logger
	status  atomic.Int32

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	done  chan struct{}
	loops wait.Wait
}

// New 校验配置，创建日志、指标和连接池，并启动心跳
func New(ctx context.Context, props *config.ClientProperties) (*Client, error) {
	if props == nil {
		props = config.Default()
	}
	if err := props.Verify(); err != nil {
		return nil, rediserr.Invalid("config: %v", err)
	}

	l, err := logger.NewLogger(&logger.Settings{
		Path:  props.Log.Path,
		Name:  "asyncredis",
		Ext:   "log",
		Level: props.Log.Level,
		JSON:  strings.EqualFold(props.Log.Format, "json"),
	})
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if props.Metrics.Enabled {
		cfg := metrics.DefaultConfig()
		if props.Metrics.ServiceName != "" {
			cfg.ServiceName = props.Metrics.ServiceName
		}
		cfg.Prometheus = props.Metrics.Prometheus
		if m, err = metrics.New(cfg); err != nil {
			_ = l.Close()
			return nil, err
		}
	}

	c := &Client{
		props:   props,
		metrics: m,
		logger:  l,
		log:     l.Named("client").With("addr", props.Addr),
		subs:    make(map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}
	c.pool, err = pool.New(ctx, pool.Config{
		MinSize:             props.Pool.MinSize,
		MaxSize:             props.Pool.MaxSize,
		DB:                  props.DB,
		IdleTimeout:         props.Pool.IdleTimeout,
		MaintenanceInterval: props.Pool.MaintenanceInterval,
		DialRate:            props.Pool.DialRate,
		DialBurst:           props.Pool.DialBurst,
		Logger:              l.Named("pool").With("addr", props.Addr),
		Metrics:             m,
	}, c.dial)
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	if props.HeartbeatInterval > 0 {
		c.loops.Go(c.heartbeat)
	}
	c.status.Store(running)
	c.log.Debug("client started", "pool_min", props.Pool.MinSize, "pool_max", props.Pool.MaxSize)
	return c, nil
}

func (c *Client) dial(ctx context.Context, db int) (*connection.Conn, error) {
	return connection.Dial(ctx, c.props.Addr,
		connection.WithDB(db),
		connection.WithPassword(c.props.Password),
		connection.WithName(c.props.Name),
		connection.WithEncoding(c.props.Encoding),
		connection.WithDialTimeout(c.props.DialTimeout),
		connection.WithChannelLimit(c.props.ChannelLimit),
		connection.WithLogger(c.logger.Named("conn")),
		connection.WithMetrics(c.metrics),
	)
}

func (c *Client) checkRunning() error {
	if c.status.Load() != running {
		return rediserr.PoolClosed()
	}
	return nil
}

// Do 从连接池取一条连接执行命令并等待结果
func (c *Client) Do(ctx context.Context, command string, args ...any) (any, error) {
	return c.DoHint(ctx, redis.Hint{}, command, args...)
}

func (c *Client) DoHint(ctx context.Context, hint redis.Hint, command string, args ...any) (any, error) {
	if err := c.checkRunning(); err != nil {
		return nil, err
	}
	conn, err := c.pool.Acquire(ctx, c.props.DB)
	if err != nil {
		return nil, err
	}
	// 等待被取消时命令仍在连接上，连接照常放回，迟到的回复会被丢弃
	defer c.pool.Release(conn)
	return conn.ExecuteHint(hint, command, args...).Wait(ctx)
}

// Pipeline fn 向 p 添加命令，全部在同一条连接上连续提交
func (c *Client) Pipeline(ctx context.Context, fn func(p *tx.Pipeline)) ([]any, error) {
	if err := c.checkRunning(); err != nil {
		return nil, err
	}
	conn, err := c.pool.Acquire(ctx, c.props.DB)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(conn)
	p := tx.NewPipeline(conn)
	fn(p)
	return p.Execute(ctx)
}

// MultiExec 自动包上 MULTI / EXEC，fn 只需要添加命令
func (c *Client) MultiExec(ctx context.Context, fn func(m *tx.MultiExec)) ([]any, error) {
	var results []any
	err := c.Transaction(ctx, func(ctx context.Context, m *tx.MultiExec) error {
		if err := m.Multi(); err != nil {
			return err
		}
		fn(m)
		var err error
		results, err = m.Exec(ctx)
		return err
	})
	return results, err
}

// Transaction 在一条独占连接上执行 fn，fn 可以先 Watch 再 Multi / Exec。
// fn 返回时仍处于 MULTI 中的事务被 DISCARD；没有经过 EXEC 或 DISCARD 的 WATCH 被 UNWATCH，
// 连接放回池中时不带任何事务状态
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context, m *tx.MultiExec) error) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	conn, err := c.pool.Acquire(ctx, c.props.DB)
	if err != nil {
		return err
	}
	defer c.pool.Release(conn)

	m := tx.NewMultiExec(conn)
	fnErr := fn(ctx, m)
	if m.InMulti() {
		if err := m.Discard(ctx); err != nil {
			conn.Close(rediserr.ExplicitClose)
		}
	} else if m.Watching() {
		if err := m.Unwatch(ctx); err != nil {
			conn.Close(rediserr.ExplicitClose)
		}
	}
	return fnErr
}

// Subscribe 新建一条独占连接订阅频道
func (c *Client) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	return c.subscribe(ctx, false, channels)
}

func (c *Client) PSubscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	return c.subscribe(ctx, true, patterns)
}

func (c *Client) subscribe(ctx context.Context, isPattern bool, names []string) (*Subscription, error) {
	if err := c.checkRunning(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, rediserr.Invalid("subscribe requires at least one channel")
	}
	conn, err := c.dial(ctx, c.props.DB)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{conn: conn, client: c}
	if isPattern {
		_, err = sub.PSubscribe(ctx, names...)
	} else {
		_, err = sub.Subscribe(ctx, names...)
	}
	if err != nil {
		conn.Close(rediserr.ExplicitClose)
		return nil, err
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

func (c *Client) forget(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

func (c *Client) subscriptions() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	return subs
}

// 心跳只检查订阅连接，连接池中的空闲连接由连接池维护
func (c *Client) heartbeat() {
	ticker := time.NewTicker(c.props.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.doHeartbeat()
		case <-c.done:
			return
		}
	}
}

func (c *Client) doHeartbeat() {
	for _, sub := range c.subscriptions() {
		if sub.conn.Closed() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), maxHeartbeatWait)
		err := sub.conn.Ping(ctx)
		cancel()
		if err != nil {
			c.log.Warn("subscription heartbeat failed", "conn_id", sub.conn.ID(), "error", err)
			sub.conn.Close(rediserr.ReadError)
		}
	}
}

// Pool 供调用方查看连接池状态
func (c *Client) Pool() *pool.Pool {
	return c.pool
}

// Metrics 没有开启指标时返回 nil
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

func (c *Client) String() string {
	return fmt.Sprintf("Client(addr=%s, db=%d, pool=%d/%d)", c.props.Addr, c.props.DB, c.pool.Size(), c.props.Pool.MaxSize)
}

// Close 停止心跳，关闭所有订阅和连接池
func (c *Client) Close() {
	if !c.status.CompareAndSwap(running, closed) {
		return
	}
	close(c.done)
	c.loops.Wait()
	for _, sub := range c.subscriptions() {
		sub.Close()
	}
	c.pool.Close()
	c.log.Debug("client closed")
	_ = c.logger.Close()
}
