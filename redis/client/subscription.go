package client

import (
	"context"

	"asyncredis/rediserr"
	"asyncredis/redis/connection"
	"asyncredis/redis/pubsub"
)

// Subscription 持有一条处于订阅模式的独占连接
type Subscription struct {
	conn   *connection.Conn
	client *Client
}

func (s *Subscription) Subscribe(ctx context.Context, channels ...string) ([]*pubsub.Channel, error) {
	return s.conn.Subscribe(ctx, channels...)
}

func (s *Subscription) PSubscribe(ctx context.Context, patterns ...string) ([]*pubsub.Channel, error) {
	return s.conn.PSubscribe(ctx, patterns...)
}

func (s *Subscription) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.conn.Unsubscribe(ctx, channels...)
}

func (s *Subscription) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return s.conn.PUnsubscribe(ctx, patterns...)
}

// Channel 返回已订阅的频道或模式，没有订阅时返回 nil
func (s *Subscription) Channel(name string) *pubsub.Channel {
	return s.conn.PubSubChannel(name, false)
}

func (s *Subscription) Pattern(pattern string) *pubsub.Channel {
	return s.conn.PubSubChannel(pattern, true)
}

func (s *Subscription) Channels() []string {
	return s.conn.PubSubChannels()
}

func (s *Subscription) Patterns() []string {
	return s.conn.PubSubPatterns()
}

func (s *Subscription) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Done 连接关闭时关闭
func (s *Subscription) Done() <-chan struct{} {
	return s.conn.Done()
}

// Close 关闭连接，所有 Channel 读完缓冲的消息后返回 ChannelClosedError
func (s *Subscription) Close() {
	s.client.forget(s)
	s.conn.Close(rediserr.ExplicitClose)
}
