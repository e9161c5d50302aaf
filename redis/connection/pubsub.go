package connection

import (
	"context"
	"fmt"
	"strings"

	"asyncredis/interface/redis"
	"asyncredis/lib/sync/future"
	"asyncredis/protocol"
	"asyncredis/rediserr"
	"asyncredis/redis/pubsub"
)

// Subscribe 订阅频道，返回与 names 一一对应的 Channel。
// 每个频道对应一个等待确认的请求，全部确认后返回
func (c *Conn) Subscribe(ctx context.Context, names ...string) ([]*pubsub.Channel, error) {
	return c.subscribe(ctx, pubsub.KindSubscribe, false, names)
}

func (c *Conn) PSubscribe(ctx context.Context, patterns ...string) ([]*pubsub.Channel, error) {
	return c.subscribe(ctx, pubsub.KindPSubscribe, true, patterns)
}

// Unsubscribe 不传 names 时退订全部频道
func (c *Conn) Unsubscribe(ctx context.Context, names ...string) error {
	return c.unsubscribe(ctx, pubsub.KindUnsubscribe, false, names)
}

func (c *Conn) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return c.unsubscribe(ctx, pubsub.KindPUnsubscribe, true, patterns)
}

func (c *Conn) subscribe(ctx context.Context, kind string, isPattern bool, names []string) ([]*pubsub.Channel, error) {
	if len(names) == 0 {
		return nil, rediserr.Invalid("%s requires at least one name", strings.ToUpper(kind))
	}

	c.mu.Lock()
	if err := c.checkOpen(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.Mode() == redis.ModeInMulti {
		c.mu.Unlock()
		return nil, rediserr.Invalid("%s is not allowed inside MULTI", strings.ToUpper(kind))
	}
	chans := make([]*pubsub.Channel, len(names))
	for i, name := range names {
		chans[i] = c.mux.Acquire(name, isPattern)
	}
	futs, reqs := c.pubsubRequests(kind, len(names))
	c.subscribing += len(names)
	if c.Mode() != redis.ModeSubscribed {
		c.pushFrom = c.seq + 1
		c.mode.Store(int32(redis.ModeSubscribed))
	}
	c.enqueue(protocol.EncodeCommand(kind, toArgs(names)...), reqs...)
	c.mu.Unlock()

	if err := waitAll(ctx, futs); err != nil {
		return nil, err
	}
	return chans, nil
}

func (c *Conn) unsubscribe(ctx context.Context, kind string, isPattern bool, names []string) error {
	c.mu.Lock()
	if err := c.checkOpen(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.Mode() != redis.ModeSubscribed {
		c.mu.Unlock()
		return nil
	}
	expected := len(names)
	if expected == 0 {
		channels, patterns := c.mux.Count()
		expected = channels
		if isPattern {
			expected = patterns
		}
		// 没有订阅时服务端仍然回复一个 name 为 null 的确认
		if expected == 0 {
			expected = 1
		}
	}
	futs, reqs := c.pubsubRequests(kind, expected)
	c.enqueue(protocol.EncodeCommand(kind, toArgs(names)...), reqs...)
	c.mu.Unlock()

	return waitAll(ctx, futs)
}

func (c *Conn) pubsubRequests(kind string, n int) ([]*future.Future, []*request) {
	futs := make([]*future.Future, n)
	reqs := make([]*request, n)
	for i := range reqs {
		futs[i] = future.New()
		reqs[i] = &request{cmd: kind, hint: redis.Hint{Frame: true}, fut: futs[i], pubsub: true}
	}
	return futs, reqs
}

func waitAll(ctx context.Context, futs []*future.Future) error {
	for _, f := range futs {
		if _, err := f.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func toArgs(names []string) [][]byte {
	args := make([][]byte, len(names))
	for i, name := range names {
		args[i] = []byte(name)
	}
	return args
}

// Ping 普通模式下期望 PONG，订阅模式下期望 [pong, message]
func (c *Conn) Ping(ctx context.Context) error {
	reply, err := c.ExecuteHint(redis.Hint{Frame: true}, "PING").Wait(ctx)
	if err != nil {
		return err
	}
	frame := reply.(redis.Reply)
	if s, ok := frame.(*protocol.StatusReply); ok && strings.EqualFold(s.Status, "PONG") {
		return nil
	}
	if pubsub.IsPong(frame) {
		return nil
	}
	return fmt.Errorf("unexpected PING reply %q", frame.ToBytes())
}

func (c *Conn) Select(ctx context.Context, db int) error {
	return c.Execute("SELECT", db).OK(ctx)
}

func (c *Conn) Auth(ctx context.Context, password string) error {
	return c.Execute("AUTH", password).OK(ctx)
}
