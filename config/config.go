// Package config 客户端配置：连接参数、连接池、心跳、日志和指标。
package config

import (
	"fmt"
	"strings"
	"time"

	"asyncredis/protocol"
)

type ClientProperties struct {
	Addr     string `koanf:"addr"`
	DB       int    `koanf:"db"`
	Password string `koanf:"password"`
	// CLIENT SETNAME
	Name string `koanf:"name"`
	// bulk string 的默认字符集，为空时返回 []byte
	Encoding          string        `koanf:"encoding"`
	DialTimeout       time.Duration `koanf:"dial_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	// 每个订阅 Channel 的队列上限，0 表示无界
	ChannelLimit int `koanf:"channel_limit"`

	Pool    PoolProperties    `koanf:"pool"`
	Log     LogProperties     `koanf:"log"`
	Metrics MetricsProperties `koanf:"metrics"`
}

type PoolProperties struct {
	MinSize             int           `koanf:"min_size"`
	MaxSize             int           `koanf:"max_size"`
	IdleTimeout         time.Duration `koanf:"idle_timeout"`
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`
	DialRate            float64       `koanf:"dial_rate"`
	DialBurst           int           `koanf:"dial_burst"`
}

type LogProperties struct {
	Level string `koanf:"level"`
	// text 或 json
	Format string `koanf:"format"`
	// 非空时同时写入该目录下的日志文件
	Path string `koanf:"path"`
}

type MetricsProperties struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	Prometheus  bool   `koanf:"prometheus"`
}

// Properties 通过 Setup 加载的全局配置
var Properties = Default()

func Default() *ClientProperties {
	return &ClientProperties{
		Addr:              "127.0.0.1:6379",
		DialTimeout:       5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		Pool: PoolProperties{
			MinSize:             1,
			MaxSize:             10,
			IdleTimeout:         5 * time.Minute,
			MaintenanceInterval: 30 * time.Second,
		},
		Log: LogProperties{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsProperties{
			ServiceName: "asyncredis",
		},
	}
}

// Verify 检查配置是否合法
func (p *ClientProperties) Verify() error {
	if p.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if p.DB < 0 {
		return fmt.Errorf("db must not be negative, got %d", p.DB)
	}
	if p.DialTimeout < 0 || p.HeartbeatInterval < 0 {
		return fmt.Errorf("dial_timeout and heartbeat_interval must not be negative")
	}
	if p.ChannelLimit < 0 {
		return fmt.Errorf("channel_limit must not be negative, got %d", p.ChannelLimit)
	}
	if _, err := protocol.LookupEncoding(p.Encoding); err != nil {
		return fmt.Errorf("encoding: %w", err)
	}
	if p.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be positive, got %d", p.Pool.MaxSize)
	}
	if p.Pool.MinSize < 0 || p.Pool.MinSize > p.Pool.MaxSize {
		return fmt.Errorf("pool.min_size %d out of range [0, %d]", p.Pool.MinSize, p.Pool.MaxSize)
	}
	if p.Pool.DialRate < 0 || p.Pool.DialBurst < 0 {
		return fmt.Errorf("pool.dial_rate and pool.dial_burst must not be negative")
	}
	switch strings.ToLower(p.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", p.Log.Format)
	}
	return nil
}
