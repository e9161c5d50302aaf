package connection

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"asyncredis/lib/metrics"
)

type options struct {
	addr            string
	db              int
	password        string
	name            string
	encoding        string
	dialTimeout     time.Duration
	writeBufferSize int
	channelLimit    int
	log             hclog.Logger
	metrics         *metrics.Metrics
}

func defaultOptions() *options {
	return &options{
		dialTimeout:     5 * time.Second,
		writeBufferSize: 16 * 1024,
	}
}

type Option func(*options)

// WithDB Dial 建立连接后执行 SELECT；对 New 只记录绑定的库号
func WithDB(db int) Option {
	return func(o *options) {
		o.db = db
	}
}

func WithPassword(password string) Option {
	return func(o *options) {
		o.password = password
	}
}

// WithName Dial 建立连接后执行 CLIENT SETNAME
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithEncoding bulk string 的默认解码字符集，为空时返回 []byte
func WithEncoding(encoding string) Option {
	return func(o *options) {
		o.encoding = encoding
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

func WithWriteBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.writeBufferSize = size
		}
	}
}

// WithChannelLimit 每个订阅 Channel 的队列上限，0 表示无界
func WithChannelLimit(limit int) Option {
	return func(o *options) {
		o.channelLimit = limit
	}
}

// WithAddr 供 New 使用，只用于日志和 Addr()
func WithAddr(addr string) Option {
	return func(o *options) {
		o.addr = addr
	}
}

func WithLogger(log hclog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
