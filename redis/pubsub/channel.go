// Package pubsub 把一条处于订阅模式的连接拆分成多个按主题划分的消息队列。
//
// 分发协程只会向 Channel 追加消息，从不阻塞：默认队列无界；设置了 Limit 时
// 队列满后丢弃最新到达的消息并计数（Dropped）。
//
// 关闭语义：收到退订确认或连接断开后 Channel 不再接收新消息，已缓冲的消息
// 仍然可以读出，读空之后 Get 返回 ChannelClosedError。连接异常断开时服务端
// 已发出但尚未到达的消息会丢失。
package pubsub

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"asyncredis/interface/redis"
	"asyncredis/protocol"
	"asyncredis/rediserr"
)

type Message struct {
	Channel string
	// 仅模式订阅收到的消息带有 Pattern
	Pattern string
	Data    []byte
}

type Channel struct {
	name     string
	pattern  bool
	limit    int
	encoding string

	mu      sync.Mutex
	queue   *list.List
	closed  bool
	dropped uint64
	// 有新消息或关闭时 close 并替换，唤醒所有等待者
	wake chan struct{}
}

func NewChannel(name string, isPattern bool, limit int, encoding string) *Channel {
	return &Channel{
		name:     name,
		pattern:  isPattern,
		limit:    limit,
		encoding: encoding,
		queue:    list.New(),
		wake:     make(chan struct{}),
	}
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) IsPattern() bool {
	return c.pattern
}

func (c *Channel) String() string {
	if c.pattern {
		return fmt.Sprintf("Channel(pattern=%s)", c.name)
	}
	return fmt.Sprintf("Channel(%s)", c.name)
}

// IsActive 还可能收到新消息
func (c *Channel) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

func (c *Channel) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Put 由分发协程调用，返回 false 表示消息被丢弃
func (c *Channel) Put(msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.limit > 0 && c.queue.Len() >= c.limit {
		c.dropped++
		return false
	}
	c.queue.PushBack(msg)
	c.broadcast()
	return true
}

// Close 标记不再有新消息，幂等
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.broadcast()
}

// 调用方持有 c.mu
func (c *Channel) broadcast() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// Get 取出最早的一条消息，没有消息时阻塞
func (c *Channel) Get(ctx context.Context) (*Message, error) {
	for {
		c.mu.Lock()
		if e := c.queue.Front(); e != nil {
			c.queue.Remove(e)
			c.mu.Unlock()
			return e.Value.(*Message), nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, rediserr.ChannelClosed(c.name)
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, rediserr.Cancel(ctx.Err())
		}
	}
}

// GetString 按订阅时的编码解码消息体，未设置编码时按 utf-8
func (c *Channel) GetString(ctx context.Context) (string, error) {
	msg, err := c.Get(ctx)
	if err != nil {
		return "", err
	}
	enc := c.encoding
	if enc == "" {
		enc = "utf-8"
	}
	v, err := protocol.ToValue(protocol.MakeBulkReply(msg.Data), redis.Hint{Encoding: enc})
	if err != nil {
		return "", err
	}
	str, _ := v.(string)
	return str, nil
}

func (c *Channel) GetJSON(ctx context.Context, v any) error {
	msg, err := c.Get(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decode message on %s: %w", c.name, err)
	}
	return nil
}

// WaitMessage 阻塞到有消息可读（true）或已关闭且读空（false）
func (c *Channel) WaitMessage(ctx context.Context) (bool, error) {
	for {
		c.mu.Lock()
		if c.queue.Len() > 0 {
			c.mu.Unlock()
			return true, nil
		}
		if c.closed {
			c.mu.Unlock()
			return false, nil
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return false, rediserr.Cancel(ctx.Err())
		}
	}
}
