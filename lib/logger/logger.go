// Package logger 保留包级别的 Debug/Info/Warn/Error 调用方式，底层由 hclog 输出。
// 组件内部通过 Named 获取带名字的结构化 logger。
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var levelFlags = []string{"DEBUG", "INFO", "WARNING", "ERROR", "FATAL"}

func (l LogLevel) String() string {
	if int(l) >= 0 && int(l) < len(levelFlags) {
		return levelFlags[l]
	}
	return "UNKNOWN"
}

// 用于文件形式存储的日志，包含路径/名称/时间/扩展名
type Settings struct {
	Path       string
	Name       string
	Ext        string
	TimeFormat string

	Level  string // trace/debug/info/warn/error
	JSON   bool
	Output io.Writer // 默认 os.Stdout
}

type Logger struct {
	// 包级别函数比直接调用多三层栈帧，单独一个实例
	pkg  hclog.Logger
	base hclog.Logger
	file *os.File
}

var (
	mu            sync.RWMutex
	DefaultLogger = NewStdoutLogger()
)

func NewStdoutLogger() *Logger {
	l, _ := NewLogger(&Settings{Name: "asyncredis", Level: "info"})
	return l
}

// NewLogger Path 不为空时同时写入控制台和本地文件
func NewLogger(settings *Settings) (*Logger, error) {
	var out io.Writer = os.Stdout
	if settings.Output != nil {
		out = settings.Output
	}
	var logFile *os.File
	if settings.Path != "" {
		timeFormat := settings.TimeFormat
		if timeFormat == "" {
			timeFormat = "2006-01-02"
		}
		fileName := fmt.Sprintf("%s-%s.%s", settings.Name, time.Now().Format(timeFormat), settings.Ext)
		f, err := mustOpen(fileName, settings.Path)
		if err != nil {
			return nil, fmt.Errorf("logging.Join err:%s", err)
		}
		logFile = f
		out = io.MultiWriter(out, f)
	}
	level := hclog.LevelFromString(settings.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	opts := func(offset int) *hclog.LoggerOptions {
		return &hclog.LoggerOptions{
			Name:                     settings.Name,
			Level:                    level,
			Output:                   out,
			JSONFormat:               settings.JSON,
			IncludeLocation:          true,
			AdditionalLocationOffset: offset,
		}
	}
	return &Logger{
		pkg:  hclog.New(opts(3)),
		base: hclog.New(opts(0)),
		file: logFile,
	}, nil
}

func mustOpen(fileName, dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return os.OpenFile(filepath.Join(dir, fileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func Setup(settings *Settings) {
	l, err := NewLogger(settings)
	if err != nil {
		panic(err)
	}
	mu.Lock()
	old := DefaultLogger
	DefaultLogger = l
	mu.Unlock()
	_ = old.Close()
}

func (logger *Logger) OUTPUT(level LogLevel, msg string) {
	switch level {
	case DEBUG:
		logger.pkg.Debug(msg)
	case INFO:
		logger.pkg.Info(msg)
	case WARNING:
		logger.pkg.Warn(msg)
	default:
		logger.pkg.Error(msg)
	}
}

// Named 返回带组件名的结构化 logger，调用方自己附加 key/value
func (logger *Logger) Named(name string) hclog.Logger {
	return logger.base.Named(name)
}

func (logger *Logger) Close() error {
	if logger == nil || logger.file == nil {
		return nil
	}
	return logger.file.Close()
}

func current() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return DefaultLogger
}

func Named(name string) hclog.Logger {
	return current().Named(name)
}

func output(level LogLevel, msg string) {
	current().OUTPUT(level, strings.TrimSuffix(msg, "\n"))
}

func Debug(v ...interface{}) {
	output(DEBUG, fmt.Sprintln(v...))
}

func Debugf(format string, v ...interface{}) {
	output(DEBUG, fmt.Sprintf(format, v...))
}

func Info(v ...interface{}) {
	output(INFO, fmt.Sprintln(v...))
}

func Infof(format string, v ...interface{}) {
	output(INFO, fmt.Sprintf(format, v...))
}

func Warn(v ...interface{}) {
	output(WARNING, fmt.Sprintln(v...))
}

func Error(v ...interface{}) {
	output(ERROR, fmt.Sprintln(v...))
}

func Errorf(format string, v ...interface{}) {
	output(ERROR, fmt.Sprintf(format, v...))
}

// Fatal 只记录日志，不退出进程
func Fatal(v ...interface{}) {
	output(FATAL, "[FATAL] "+fmt.Sprintln(v...))
}
