package protocol

import (
	"bytes"

	"asyncredis/interface/redis"
)

/*
	不携带状态的回复只创建一个实例，重复使用。
*/

// 处理 PING 命令的响应
type PongReply struct{}

var PongBytes = []byte("+PONG\r\n")

func (r *PongReply) ToBytes() []byte {
	return PongBytes
}

var thePongReply = new(PongReply)

func MakePongReply() *PongReply {
	return thePongReply
}

// 执行成功
type OkReply struct{}

var OkBytes = []byte("+OK\r\n")

func (r *OkReply) ToBytes() []byte {
	return OkBytes
}

var theOkReply = new(OkReply)

func MakeOkReply() *OkReply {
	return theOkReply
}

// 访问一个不存在的键时返回此响应
type NullBulkReply struct{}

var nullBulkBytes = []byte("$-1\r\n")

func (r *NullBulkReply) ToBytes() []byte {
	return nullBulkBytes
}

func MakeNullBulkReply() *NullBulkReply {
	return &NullBulkReply{}
}

// 空数组 *-1，WATCH 的键被修改时 EXEC 返回它
type NullArrayReply struct{}

var nullArrayBytes = []byte("*-1\r\n")

func (r *NullArrayReply) ToBytes() []byte {
	return nullArrayBytes
}

func MakeNullArrayReply() *NullArrayReply {
	return &NullArrayReply{}
}

// 用于表示空列表或空集合等数据结构
var emptyMultiBulkBytes = []byte("*0\r\n")

type EmptyMultiBulkReply struct{}

func (r *EmptyMultiBulkReply) ToBytes() []byte {
	return emptyMultiBulkBytes
}

func MakeEmptyMultiBulkReply() *EmptyMultiBulkReply {
	return &EmptyMultiBulkReply{}
}

func IsEmptyMultiBulkReply(reply redis.Reply) bool {
	return bytes.Equal(reply.ToBytes(), emptyMultiBulkBytes)
}

// 用于 Redis 事务中，表示命令已入队等待执行
type QueuedReply struct{}

var queuedBytes = []byte("+QUEUED\r\n")

func (r *QueuedReply) ToBytes() []byte {
	return queuedBytes
}

var theQueuedReply = new(QueuedReply)

func MakeQueuedReply() *QueuedReply {
	return theQueuedReply
}
