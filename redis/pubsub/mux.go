package pubsub

import (
	"sort"
	"strings"
	"sync"

	"asyncredis/interface/redis"
	"asyncredis/protocol"
)

// 订阅相关命令及其确认帧的类型
const (
	KindSubscribe    = "subscribe"
	KindUnsubscribe  = "unsubscribe"
	KindPSubscribe   = "psubscribe"
	KindPUnsubscribe = "punsubscribe"
	KindMessage      = "message"
	KindPMessage     = "pmessage"
	KindPong         = "pong"
)

// IsPubSubCommand 只能通过订阅接口提交的命令
func IsPubSubCommand(cmd string) bool {
	switch strings.ToLower(cmd) {
	case KindSubscribe, KindUnsubscribe, KindPSubscribe, KindPUnsubscribe:
		return true
	}
	return false
}

// Confirmation 服务端对订阅类命令的逐个确认：[kind, name, count]
type Confirmation struct {
	Kind  string
	Name  string
	Count int64
	// 对无订阅时的 UNSUBSCRIBE，服务端返回的 name 为 null
	NilName bool
}

// Mux 维护主题名、模式到 Channel 的映射
type Mux struct {
	mu       sync.Mutex
	channels map[string]*Channel
	patterns map[string]*Channel
	limit    int
	encoding string
}

// NewMux limit 为每个 Channel 的队列上限，0 表示无界
func NewMux(limit int, encoding string) *Mux {
	return &Mux{
		channels: make(map[string]*Channel),
		patterns: make(map[string]*Channel),
		limit:    limit,
		encoding: encoding,
	}
}

func (m *Mux) registry(isPattern bool) map[string]*Channel {
	if isPattern {
		return m.patterns
	}
	return m.channels
}

// Acquire 取得已有的活跃 Channel，没有时创建，重复订阅同一主题得到同一个 Channel
func (m *Mux) Acquire(name string, isPattern bool) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := m.registry(isPattern)
	if ch, ok := reg[name]; ok && ch.IsActive() {
		return ch
	}
	ch := NewChannel(name, isPattern, m.limit, m.encoding)
	reg[name] = ch
	return ch
}

func (m *Mux) Lookup(name string, isPattern bool) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry(isPattern)[name]
}

// Count 当前登记的频道数和模式数
func (m *Mux) Count() (channels int, patterns int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels), len(m.patterns)
}

func (m *Mux) Channels() []string {
	return m.names(false)
}

func (m *Mux) Patterns() []string {
	return m.names(true)
}

func (m *Mux) names(isPattern bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := m.registry(isPattern)
	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deliver 投递 message / pmessage 帧，其他帧返回 false
func (m *Mux) Deliver(reply redis.Reply) bool {
	parts, ok := splitFrame(reply)
	if !ok || len(parts) == 0 {
		return false
	}
	switch strings.ToLower(string(parts[0])) {
	case KindMessage:
		if len(parts) != 3 {
			return false
		}
		if ch := m.Lookup(string(parts[1]), false); ch != nil {
			ch.Put(&Message{Channel: string(parts[1]), Data: parts[2]})
		}
		return true
	case KindPMessage:
		if len(parts) != 4 {
			return false
		}
		if ch := m.Lookup(string(parts[1]), true); ch != nil {
			ch.Put(&Message{Channel: string(parts[2]), Pattern: string(parts[1]), Data: parts[3]})
		}
		return true
	}
	return false
}

// Confirm 处理订阅确认帧。退订确认会关闭并注销对应的 Channel
func (m *Mux) Confirm(reply redis.Reply) (*Confirmation, bool) {
	conf, ok := ParseConfirmation(reply)
	if !ok {
		return nil, false
	}
	switch conf.Kind {
	case KindUnsubscribe, KindPUnsubscribe:
		if conf.NilName {
			break
		}
		isPattern := conf.Kind == KindPUnsubscribe
		m.mu.Lock()
		reg := m.registry(isPattern)
		ch := reg[conf.Name]
		delete(reg, conf.Name)
		m.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
	}
	return conf, true
}

// CloseAll 连接关闭时调用，关闭所有 Channel 并清空登记
func (m *Mux) CloseAll() {
	m.mu.Lock()
	var all []*Channel
	for _, reg := range []map[string]*Channel{m.channels, m.patterns} {
		for name, ch := range reg {
			all = append(all, ch)
			delete(reg, name)
		}
	}
	m.mu.Unlock()
	for _, ch := range all {
		ch.Close()
	}
}

// ParseConfirmation 解析 [kind, name, count] 形状的确认帧
func ParseConfirmation(reply redis.Reply) (*Confirmation, bool) {
	arr, ok := reply.(*protocol.ArrayReply)
	if !ok || len(arr.Replies) != 3 {
		return nil, false
	}
	kind, ok := bulkString(arr.Replies[0])
	if !ok {
		return nil, false
	}
	kind = strings.ToLower(kind)
	switch kind {
	case KindSubscribe, KindUnsubscribe, KindPSubscribe, KindPUnsubscribe:
	default:
		return nil, false
	}
	count, ok := arr.Replies[2].(*protocol.IntReply)
	if !ok {
		return nil, false
	}
	conf := &Confirmation{Kind: kind, Count: count.Code}
	switch name := arr.Replies[1].(type) {
	case *protocol.BulkReply:
		if name.Arg == nil {
			conf.NilName = true
		} else {
			conf.Name = string(name.Arg)
		}
	case *protocol.NullBulkReply:
		conf.NilName = true
	default:
		return nil, false
	}
	return conf, true
}

// IsPong 订阅模式下 PING 的回复是 [pong, message]
func IsPong(reply redis.Reply) bool {
	parts, ok := splitFrame(reply)
	return ok && len(parts) == 2 && strings.ToLower(string(parts[0])) == KindPong
}

// splitFrame 把全部由 bulk/status 组成的数组拆成字节串
func splitFrame(reply redis.Reply) ([][]byte, bool) {
	arr, ok := reply.(*protocol.ArrayReply)
	if !ok {
		return nil, false
	}
	parts := make([][]byte, len(arr.Replies))
	for i, r := range arr.Replies {
		switch v := r.(type) {
		case *protocol.BulkReply:
			parts[i] = v.Arg
		case *protocol.StatusReply:
			parts[i] = []byte(v.Status)
		default:
			return nil, false
		}
	}
	return parts, true
}

func bulkString(reply redis.Reply) (string, bool) {
	switch v := reply.(type) {
	case *protocol.BulkReply:
		return string(v.Arg), v.Arg != nil
	case *protocol.StatusReply:
		return v.Status, true
	}
	return "", false
}
