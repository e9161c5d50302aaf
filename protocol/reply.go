package protocol

import (
	"bytes"
	"strconv"

	"asyncredis/interface/redis"
)

var CRLF = "\r\n"

/*
BulkReply: 批量字符串回复，Arg 为 nil 时编码为 $-1
*/
type BulkReply struct {
	Arg []byte
}

func MakeBulkReply(arg []byte) *BulkReply {
	return &BulkReply{
		Arg: arg,
	}
}

// $5\r\nmamba\r\n
func (r *BulkReply) ToBytes() []byte {
	if r.Arg == nil {
		return nullBulkBytes
	}
	var buf bytes.Buffer
	buf.Grow(1 + 20 + 2 + len(r.Arg) + 2)
	writeBulk(&buf, r.Arg)
	return buf.Bytes()
}

/*
MultiBulkReply: 多个 Bulk 字符串组成的数组，也是请求帧的形状
*/
type MultiBulkReply struct {
	Args [][]byte
}

func MakeMultiBulkReply(args [][]byte) *MultiBulkReply {
	return &MultiBulkReply{
		Args: args,
	}
}

// *2\r\n
// $5\r\n
// hello\r\n
// $5\r\n
// world\r\n
func (r *MultiBulkReply) ToBytes() []byte {
	var buf bytes.Buffer

	// * + len + CRLF
	argLen := len(r.Args)
	bufLen := 1 + len(strconv.Itoa(argLen)) + 2
	for _, arg := range r.Args {
		if arg == nil {
			bufLen += 3 + 2
		} else {
			bufLen += 1 + len(strconv.Itoa(len(arg))) + 2 + len(arg) + 2
		}
	}

	buf.Grow(bufLen)
	buf.WriteString("*")
	buf.WriteString(strconv.Itoa(argLen))
	buf.WriteString(CRLF)
	for _, arg := range r.Args {
		if arg == nil {
			buf.WriteString("$-1")
			buf.WriteString(CRLF)
		} else {
			writeBulk(&buf, arg)
		}
	}
	return buf.Bytes()
}

func writeBulk(buf *bytes.Buffer, arg []byte) {
	buf.WriteString("$")
	buf.WriteString(strconv.Itoa(len(arg)))
	buf.WriteString(CRLF)
	buf.Write(arg)
	buf.WriteString(CRLF)
}

// EncodeCommand 把命令编码成 bulk 字符串数组，二进制安全
func EncodeCommand(name string, args ...[]byte) []byte {
	line := make([][]byte, 0, len(args)+1)
	line = append(line, []byte(name))
	for _, arg := range args {
		if arg == nil {
			// 空参数按空串发送，请求帧里不允许 null
			arg = []byte{}
		}
		line = append(line, arg)
	}
	return MakeMultiBulkReply(line).ToBytes()
}

// ArrayReply 元素可以是任意帧的数组，解码器对 * 开头的帧都产生它
type ArrayReply struct {
	Replies []redis.Reply
}

func MakeArrayReply(replies []redis.Reply) *ArrayReply {
	return &ArrayReply{
		Replies: replies,
	}
}

func (r *ArrayReply) ToBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("*" + strconv.Itoa(len(r.Replies)) + CRLF)
	for _, arg := range r.Replies {
		buf.Write(arg.ToBytes())
	}
	return buf.Bytes()
}

/* ---- Status Reply ---- */

type StatusReply struct {
	Status string
}

func MakeStatusReply(status string) *StatusReply {
	return &StatusReply{
		Status: status,
	}
}

// +OK\r\n
func (r *StatusReply) ToBytes() []byte {
	return []byte("+" + r.Status + CRLF)
}

func IsOKReply(reply redis.Reply) bool {
	return bytes.Equal(reply.ToBytes(), OkBytes)
}

func IsQueuedReply(reply redis.Reply) bool {
	return bytes.Equal(reply.ToBytes(), queuedBytes)
}

/* ---- Int Reply ---- */

type IntReply struct {
	Code int64
}

func MakeIntReply(code int64) *IntReply {
	return &IntReply{
		Code: code,
	}
}

// :1000\r\n
func (r *IntReply) ToBytes() []byte {
	return []byte(":" + strconv.FormatInt(r.Code, 10) + CRLF)
}

/* ---- Error Reply ---- */

// ErrorReply is an error and redis.Reply
type ErrorReply interface {
	Error() string
	ToBytes() []byte
}

type StandardErrReply struct {
	Status string
}

func MakeErrReply(status string) *StandardErrReply {
	return &StandardErrReply{
		Status: status,
	}
}

func IsErrorReply(reply redis.Reply) bool {
	if _, ok := reply.(ErrorReply); ok {
		return true
	}
	b := reply.ToBytes()
	return len(b) > 0 && b[0] == '-'
}

func (r *StandardErrReply) ToBytes() []byte {
	return []byte("-" + r.Status + CRLF)
}

func (r *StandardErrReply) Error() string {
	return r.Status
}
