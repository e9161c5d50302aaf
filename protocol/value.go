package protocol

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"asyncredis/interface/redis"
	"asyncredis/rediserr"
)

// LookupEncoding 校验字符集名称，空串表示不解码
func LookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" || isUTF8(name) {
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, rediserr.Invalid("unknown encoding %q", name)
	}
	return enc, nil
}

func isUTF8(name string) bool {
	switch strings.ToLower(name) {
	case "utf-8", "utf8":
		return true
	}
	return false
}

// ToValue 按 hint 把回复帧转换成 Go 值：
//
//	status  -> string
//	integer -> int64
//	bulk    -> string（指定了编码）或 []byte
//	null    -> nil
//	array   -> []any，元素中的错误回复以 *rediserr.Error 保留在对应位置
//	error   -> 返回 ReplyError
//
// hint.Frame 为 true 时非错误回复原样返回。调用方需要先把连接默认编码填进 hint。
func ToValue(reply redis.Reply, hint redis.Hint) (any, error) {
	if errReply, ok := reply.(ErrorReply); ok {
		return nil, rediserr.Reply(errReply.Error())
	}
	if hint.Frame {
		return reply, nil
	}
	enc := hint.Encoding
	if hint.Raw {
		enc = ""
	}
	codec, err := LookupEncoding(enc)
	if err != nil {
		return nil, err
	}
	return convert(reply, enc != "", codec)
}

func convert(reply redis.Reply, decode bool, codec encoding.Encoding) (any, error) {
	switch r := reply.(type) {
	case *StatusReply:
		return r.Status, nil
	case *OkReply:
		return "OK", nil
	case *PongReply:
		return "PONG", nil
	case *QueuedReply:
		return "QUEUED", nil
	case *IntReply:
		return r.Code, nil
	case *BulkReply:
		if r.Arg == nil {
			return nil, nil
		}
		if !decode {
			return r.Arg, nil
		}
		return decodeText(r.Arg, codec)
	case *NullBulkReply, *NullArrayReply:
		return nil, nil
	case *EmptyMultiBulkReply:
		return []any{}, nil
	case *ArrayReply:
		vals := make([]any, len(r.Replies))
		for i, sub := range r.Replies {
			if errReply, ok := sub.(ErrorReply); ok {
				vals[i] = rediserr.Reply(errReply.Error())
				continue
			}
			v, err := convert(sub, decode, codec)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return vals, nil
	case *MultiBulkReply:
		vals := make([]any, len(r.Args))
		for i, arg := range r.Args {
			v, err := convert(MakeBulkReply(arg), decode, codec)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return vals, nil
	}
	return nil, rediserr.Protocol("unexpected frame %T", reply)
}

func decodeText(b []byte, codec encoding.Encoding) (any, error) {
	if codec == nil {
		return string(b), nil
	}
	out, err := codec.NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("decode bulk string: %w", err)
	}
	return string(out), nil
}
