package connection

import (
	"bufio"
	"errors"

	"asyncredis/interface/redis"
	"asyncredis/lib/metrics"
	"asyncredis/parser"
	"asyncredis/protocol"
	"asyncredis/rediserr"
	"asyncredis/redis/pubsub"
)

// writeLoop 是连接上唯一的写者，每次取走 outbox 中的全部帧，写空后再 flush
func (c *Conn) writeLoop() {
	w := bufio.NewWriterSize(c.transport, c.bufSize)
	for {
		select {
		case <-c.wakeup:
		case <-c.done:
			return
		}
		for {
			c.mu.Lock()
			batch := c.outbox
			c.outbox = nil
			c.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, frame := range batch {
				if _, err := w.Write(frame); err != nil {
					c.closeWithError(rediserr.ReadError, err)
					return
				}
			}
		}
		if err := w.Flush(); err != nil {
			c.closeWithError(rediserr.ReadError, err)
			return
		}
	}
}

// readLoop 一直读到解析协程关闭 channel，关闭之后收到的帧直接丢弃
func (c *Conn) readLoop() {
	ch := parser.ParseStream(c.transport)
	for payload := range ch {
		if payload.Err != nil {
			c.handleReadError(payload.Err)
			continue
		}
		if c.Closed() {
			continue
		}
		c.dispatch(payload.Data)
	}
}

func (c *Conn) handleReadError(err error) {
	if c.Closed() {
		return
	}
	switch {
	case errors.Is(err, rediserr.ErrProtocol):
		c.closeWithError(rediserr.ProtocolError, err)
	case isEOF(err) && c.Pending() == 0:
		// 没有等待中的命令时对端关闭链路，视为服务端主动断开
		c.closeWithError(rediserr.ServerClose, err)
	default:
		c.closeWithError(rediserr.ReadError, err)
	}
}

// dispatch 把一个帧交给订阅队列或最早的等待请求
func (c *Conn) dispatch(reply redis.Reply) {
	defer c.recoverPanic()

	req, pushed := c.route(reply)
	if pushed {
		c.metrics.IncrCounter([]string{"pubsub", "messages"})
		return
	}
	if req == nil {
		c.unsolicited(reply)
		return
	}

	if req.onReply != nil {
		req.onReply(reply)
	}
	val, err := protocol.ToValue(reply, req.hint)
	if err != nil && rediserr.KindOf(err) == rediserr.KindReply {
		c.metrics.IncrCounter([]string{"conn", "reply_errors"}, metrics.Label{Name: "cmd", Value: req.cmd})
	}
	c.metrics.MeasureSince([]string{"conn", "latency"}, req.start)
	// Future 已被调用方放弃时结果直接丢弃
	req.fut.Resolve(val, err)
}

// route 在 c.mu 内决定帧的去向：推送消息交给 mux，否则取出队头请求。
// 第一个订阅请求之前提交的命令全部收到回复以前，形如 message 的数组仍然是普通回复
func (c *Conn) route(reply redis.Reply) (*request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.pending.Front()
	if c.Mode() == redis.ModeSubscribed && (e == nil || e.Value.(*request).seq >= c.pushFrom) {
		if c.mux.Deliver(reply) {
			return nil, true
		}
	}
	if e == nil {
		return nil, false
	}
	req := c.pending.Remove(e).(*request)
	if req.pubsub {
		c.confirm(reply)
	}
	return req, false
}

// confirm 处理订阅确认，调用方持有 c.mu
func (c *Conn) confirm(reply redis.Reply) {
	conf, ok := c.mux.Confirm(reply)
	if !ok {
		return
	}
	switch conf.Kind {
	case pubsub.KindSubscribe, pubsub.KindPSubscribe:
		if c.subscribing > 0 {
			c.subscribing--
		}
	}
	if conf.Count == 0 && c.subscribing == 0 && c.Mode() == redis.ModeSubscribed {
		c.mode.Store(int32(redis.ModeNormal))
	}
}

// 队列为空时收到的帧：错误回复通常是服务端断开前的通知（例如 max clients），
// 其他帧说明回复与请求已经错位
func (c *Conn) unsolicited(reply redis.Reply) {
	if errReply, ok := reply.(protocol.ErrorReply); ok {
		c.closeWithError(rediserr.ServerClose, rediserr.Reply(errReply.Error()))
		return
	}
	c.closeWithError(rediserr.ProtocolError, rediserr.Protocol("unexpected reply %q with no pending command", reply.ToBytes()))
}
