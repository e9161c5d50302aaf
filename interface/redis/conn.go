package redis

import (
	"asyncredis/lib/sync/future"
	"asyncredis/rediserr"
)

// Reply 是一个解码后的 RESP 帧，也用于编码发往服务端的命令
type Reply interface {
	ToBytes() []byte
}

// Mode 连接当前所处的模式，影响哪些命令可以提交、连接能否回到连接池
type Mode int32

const (
	ModeNormal Mode = iota
	ModeInMulti
	ModeSubscribed
)

func (m Mode) String() string {
	switch m {
	case ModeInMulti:
		return "in-multi"
	case ModeSubscribed:
		return "subscribed"
	default:
		return "normal"
	}
}

// Hint 描述如何把回复帧转换成返回值
//
//	Encoding: bulk string 按该字符集解码为 string，为空时使用连接默认编码
//	Raw:      强制返回 []byte，忽略连接默认编码
//	Frame:    不做转换，直接返回 Reply 帧
type Hint struct {
	Encoding string
	Raw      bool
	Frame    bool
}

// Executor 是事务控制器、pipeline 等上层组件依赖的连接能力
type Executor interface {
	ExecuteHint(hint Hint, command string, args ...any) *future.Future
	Execute(command string, args ...any) *future.Future
	Close(reason rediserr.CloseReason)
	Mode() Mode
	Encoding() string
}
