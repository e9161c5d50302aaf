package protocol

// 以下错误回复只由测试服务端产生

// 错误的参数数量
type ArgNumErrReply struct {
	Cmd string
}

func (r *ArgNumErrReply) ToBytes() []byte {
	return []byte("-ERR wrong number of arguments for '" + r.Cmd + "' command\r\n")
}

func (r *ArgNumErrReply) Error() string {
	return "ERR wrong number of arguments for '" + r.Cmd + "' command"
}

func MakeArgNumErrReply(cmd string) *ArgNumErrReply {
	return &ArgNumErrReply{
		Cmd: cmd,
	}
}

// 事务中有命令入队失败
type ExecAbortErrReply struct{}

var execAbortBytes = []byte("-EXECABORT Transaction discarded because of previous errors.\r\n")

func (r *ExecAbortErrReply) ToBytes() []byte {
	return execAbortBytes
}

func (r *ExecAbortErrReply) Error() string {
	return "EXECABORT Transaction discarded because of previous errors."
}
