// Package rediserr 定义客户端的错误分类。
//
// 所有公开操作要么返回结果，要么返回 *Error。Error 带有一个 Kind 判别字段，
// 调用方用 errors.Is / KindOf 做模式匹配，不依赖继承层次：
//
//	ReplyError
//	PipelineError            聚合多个 ReplyError（非事务批量）
//	  MultiExecError         同上，但发生在 MULTI/EXEC 内
//	    WatchVariableError   EXEC 返回 null，没有任何命令被提交
//
// 连接关闭时的 ConnectionClosedError 额外携带 CloseReason。
package rediserr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

type Kind int

const (
	KindProtocol Kind = iota + 1
	KindReply
	KindPipeline
	KindMultiExec
	KindWatchVariable
	KindChannelClosed
	KindConnectionClosed
	KindPoolClosed
	KindInvalidArgument
	KindCancelled
	KindDiscarded
)

var kindNames = map[Kind]string{
	KindProtocol:         "ProtocolError",
	KindReply:            "ReplyError",
	KindPipeline:         "PipelineError",
	KindMultiExec:        "MultiExecError",
	KindWatchVariable:    "WatchVariableError",
	KindChannelClosed:    "ChannelClosedError",
	KindConnectionClosed: "ConnectionClosedError",
	KindPoolClosed:       "PoolClosedError",
	KindInvalidArgument:  "InvalidArgument",
	KindCancelled:        "Cancelled",
	KindDiscarded:        "Discarded",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// CloseReason 连接进入 Closed 状态的原因，只设置一次
type CloseReason int

const (
	NoReason CloseReason = iota
	// 服务端关闭了链路（例如超过 maxclients）
	ServerClose
	Cancelled
	ProtocolError
	ReadError
	// 调用方主动关闭（例如连接池释放时）
	ExplicitClose
	PoolMultiExec
	PoolPubSub
	PoolDBMismatch
)

var reasonNames = []string{
	"NoReason", "ServerClose", "Cancelled", "ProtocolError", "ReadError",
	"ExplicitClose", "PoolMultiExec", "PoolPubSub", "PoolDBMismatch",
}

func (r CloseReason) String() string {
	if int(r) >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("CloseReason(%d)", int(r))
}

// Error 是带判别字段的错误变体
type Error struct {
	Kind   Kind
	Msg    string
	Reason CloseReason // 仅 ConnectionClosedError
	Errs   []error     // 仅 PipelineError / MultiExecError / WatchVariableError
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Kind == KindConnectionClosed && e.Reason != NoReason {
		b.WriteString(" (reason=")
		b.WriteString(e.Reason.String())
		b.WriteString(")")
	}
	if len(e.Errs) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(combine(e.Errs).Error()))
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按 Kind 比较；WatchVariableError 同时也是 MultiExecError，MultiExecError 也是 PipelineError
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	switch t.Kind {
	case KindPipeline:
		return e.Kind == KindMultiExec || e.Kind == KindWatchVariable
	case KindMultiExec:
		return e.Kind == KindWatchVariable
	}
	return false
}

// 用于 errors.Is 的哨兵值
var (
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrReply            = &Error{Kind: KindReply}
	ErrPipeline         = &Error{Kind: KindPipeline}
	ErrMultiExec        = &Error{Kind: KindMultiExec}
	ErrWatchVariable    = &Error{Kind: KindWatchVariable}
	ErrChannelClosed    = &Error{Kind: KindChannelClosed}
	ErrConnectionClosed = &Error{Kind: KindConnectionClosed}
	ErrPoolClosed       = &Error{Kind: KindPoolClosed}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrCancelled        = &Error{Kind: KindCancelled}
	ErrDiscarded        = &Error{Kind: KindDiscarded}
)

func Protocol(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...)}
}

func ProtocolCause(cause error) *Error {
	return &Error{Kind: KindProtocol, Cause: cause}
}

// Reply 服务端返回的 -ERR 回复，只影响当前命令
func Reply(msg string) *Error {
	return &Error{Kind: KindReply, Msg: msg}
}

func Pipeline(errs []error) *Error {
	return &Error{Kind: KindPipeline, Msg: fmt.Sprintf("%d errors", len(errs)), Errs: errs}
}

func MultiExec(errs []error) *Error {
	return &Error{Kind: KindMultiExec, Msg: fmt.Sprintf("%d errors", len(errs)), Errs: errs}
}

func WatchVariable() *Error {
	return &Error{Kind: KindWatchVariable, Msg: "watched variable changed, transaction not committed"}
}

func ChannelClosed(name string) *Error {
	return &Error{Kind: KindChannelClosed, Msg: "channel " + name + " is closed"}
}

func ConnectionClosed(reason CloseReason, cause error) *Error {
	return &Error{Kind: KindConnectionClosed, Msg: "connection closed", Reason: reason, Cause: cause}
}

func PoolClosed() *Error {
	return &Error{Kind: KindPoolClosed, Msg: "pool is closed"}
}

func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

func Cancel(cause error) *Error {
	return &Error{Kind: KindCancelled, Msg: "operation cancelled", Cause: cause}
}

func Discard() *Error {
	return &Error{Kind: KindDiscarded, Msg: "transaction discarded"}
}

// KindOf 返回错误链中第一个 *Error 的 Kind，不是 *Error 时返回 0
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// ReasonOf 返回 ConnectionClosedError 携带的关闭原因
func ReasonOf(err error) CloseReason {
	var re *Error
	if errors.As(err, &re) && re.Kind == KindConnectionClosed {
		return re.Reason
	}
	return NoReason
}

// Children 返回聚合错误里按命令顺序排列的子错误
func Children(err error) []error {
	var re *Error
	if errors.As(err, &re) {
		return re.Errs
	}
	return nil
}

func combine(errs []error) error {
	merr := multierror.Append(nil, errs...)
	merr.ErrorFormat = func(es []error) string {
		parts := make([]string, len(es))
		for i, e := range es {
			parts[i] = e.Error()
		}
		return strings.Join(parts, "; ")
	}
	return merr
}

// Aggregate 按原顺序合并子错误，nil 会被跳过
func Aggregate(errs ...error) []error {
	merr := multierror.Append(nil, errs...)
	if merr.ErrorOrNil() == nil {
		return nil
	}
	return merr.Errors
}
