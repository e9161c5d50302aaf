package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const DefaultEnvPrefix = "ASYNCREDIS_"

var errReadBytesNotSupported = errors.New("config: map provider does not support ReadBytes")

// Loader 按 默认值 < 文件 < 环境变量 < map 的优先级合并配置
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
	overrides map[string]any
}

type Option func(*Loader)

func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile YAML 配置文件
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// WithOverrides 最高优先级的键值，键使用 "." 分隔，例如 pool.max_size
func WithOverrides(values map[string]any) Option {
	return func(l *Loader) {
		l.overrides = values
	}
}

func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load 把各来源合并到 target，target 中已有的值作为默认值
func (l *Loader) Load(target *ClientProperties) error {
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}
	// ASYNCREDIS_POOL__MAX_SIZE -> pool.max_size
	transform := func(s string) string {
		s = strings.TrimPrefix(s, l.envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	if len(l.overrides) > 0 {
		if err := l.k.Load(mapProvider(l.overrides), nil); err != nil {
			return fmt.Errorf("load overrides: %w", err)
		}
	}
	if err := l.k.Unmarshal("", target); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// Keys 已加载的全部键，用于排查配置来源
func (l *Loader) Keys() []string {
	return l.k.Keys()
}

type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errReadBytesNotSupported
}

// Read 把 "." 分隔的键展开成嵌套 map
func (m mapProvider) Read() (map[string]any, error) {
	return maps.Unflatten(m, "."), nil
}

// Setup 从默认值、配置文件和环境变量加载配置并校验，成功后替换 Properties
func Setup(path string) (*ClientProperties, error) {
	props := Default()
	if err := NewLoader(WithConfigFile(path)).Load(props); err != nil {
		return nil, err
	}
	if err := props.Verify(); err != nil {
		return nil, err
	}
	Properties = props
	return props, nil
}
