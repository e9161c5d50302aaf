// Package parser 增量解析 RESP 帧。
//
// Decode 是纯函数：从缓冲区头部尝试解出一个完整帧，数据不完整时返回
// ErrNeedMoreData 且不消费任何字节，调用方追加数据后从同一位置重试。
// Reader 在两次读取之间保留解析进度，只解析新到的元素，大数组分块到达时不会重复解析。
// 嵌套数组用显式栈处理，不递归。
package parser

import (
	"bytes"
	"errors"
	"io"
	"runtime/debug"
	"strconv"

	"asyncredis/interface/redis"
	"asyncredis/lib/logger"
	"asyncredis/protocol"
	"asyncredis/rediserr"
)

// 协议限制
const (
	// MaxBulkLen 单个 bulk string 的最大长度，与 redis 的 proto-max-bulk-len 一致
	MaxBulkLen = 512 * 1024 * 1024
	// MaxLineLen 状态、错误、整数以及各类头部行的最大长度
	MaxLineLen = 64 * 1024
	// 数组预分配的上限，真实长度由数据决定
	maxPrealloc = 1024
)

var (
	ErrNeedMoreData = errors.New("resp: need more data")
	// ErrProtocol 用于 errors.Is，解析得到的协议错误都是 rediserr 的 ProtocolError
	ErrProtocol = rediserr.ErrProtocol
)

type Payload struct {
	Data redis.Reply
	Err  error
}

// 正在填充的数组
type frame struct {
	items []redis.Reply
	want  int
}

// Decode 解析 buf 头部的一个帧，返回帧和消费的字节数
func Decode(buf []byte) (redis.Reply, int, error) {
	var d decoder
	return d.decode(buf)
}

// decoder 保存未完成帧的进度：已经解出元素的数组栈，以及下一个元素在 buf 中的偏移。
// 已解出的元素不引用 buf，buf 整体移动后进度仍然有效
type decoder struct {
	stack []*frame
	pos   int
}

func (d *decoder) reset() {
	d.stack = nil
	d.pos = 0
}

// decode 从上次停下的位置继续。成功或协议错误时进度清零，ErrNeedMoreData 时保留
func (d *decoder) decode(buf []byte) (redis.Reply, int, error) {
	reply, n, err := d.step(buf)
	if !errors.Is(err, ErrNeedMoreData) {
		d.reset()
	}
	return reply, n, err
}

func (d *decoder) step(buf []byte) (redis.Reply, int, error) {
	for {
		pos := d.pos
		nl := bytes.IndexByte(buf[pos:], '\n')
		if nl < 0 {
			if len(buf)-pos > MaxLineLen {
				return nil, 0, rediserr.Protocol("line exceeds %d bytes", MaxLineLen)
			}
			return nil, 0, ErrNeedMoreData
		}
		if nl > MaxLineLen {
			return nil, 0, rediserr.Protocol("line exceeds %d bytes", MaxLineLen)
		}
		if nl == 0 || buf[pos+nl-1] != '\r' {
			return nil, 0, rediserr.Protocol("line not terminated by CRLF")
		}
		line := buf[pos : pos+nl-1]
		next := pos + nl + 1
		if len(line) == 0 {
			return nil, 0, rediserr.Protocol("empty line")
		}

		var value redis.Reply
		switch line[0] {
		case '+':
			value = protocol.MakeStatusReply(string(line[1:]))
		case '-':
			value = protocol.MakeErrReply(string(line[1:]))
		case ':':
			n, err := strconv.ParseInt(string(line[1:]), 10, 64)
			if err != nil {
				return nil, 0, rediserr.Protocol("illegal number %q", line[1:])
			}
			value = protocol.MakeIntReply(n)
		case '$':
			// $3\r\nSET\r\n
			n, err := strconv.ParseInt(string(line[1:]), 10, 64)
			if err != nil || n < -1 {
				return nil, 0, rediserr.Protocol("illegal bulk string header %q", line)
			}
			if n == -1 {
				value = protocol.MakeNullBulkReply()
				break
			}
			if n > MaxBulkLen {
				return nil, 0, rediserr.Protocol("bulk string length %d exceeds limit %d", n, MaxBulkLen)
			}
			end := next + int(n)
			if end+2 > len(buf) {
				return nil, 0, ErrNeedMoreData
			}
			if buf[end] != '\r' || buf[end+1] != '\n' {
				return nil, 0, rediserr.Protocol("bulk string not terminated by CRLF")
			}
			body := make([]byte, n)
			copy(body, buf[next:end])
			value = protocol.MakeBulkReply(body)
			next = end + 2
		case '*':
			n, err := strconv.ParseInt(string(line[1:]), 10, 64)
			if err != nil || n < -1 {
				return nil, 0, rediserr.Protocol("illegal array header %q", line)
			}
			if n == -1 {
				value = protocol.MakeNullArrayReply()
				break
			}
			if n == 0 {
				value = protocol.MakeArrayReply([]redis.Reply{})
				break
			}
			d.stack = append(d.stack, &frame{
				items: make([]redis.Reply, 0, min(n, maxPrealloc)),
				want:  int(n),
			})
		default:
			return nil, 0, rediserr.Protocol("unknown reply type %q", line[0])
		}
		d.pos = next

		// 数组头部，继续读它的元素
		if value == nil {
			continue
		}
		for len(d.stack) > 0 {
			top := d.stack[len(d.stack)-1]
			top.items = append(top.items, value)
			if len(top.items) < top.want {
				value = nil
				break
			}
			d.stack = d.stack[:len(d.stack)-1]
			value = protocol.MakeArrayReply(top.items)
		}
		if value != nil {
			return value, d.pos, nil
		}
	}
}

// Reader 持有可增长的缓冲区和解析游标
type Reader struct {
	rd    io.Reader
	buf   []byte
	start int
	end   int
	err   error
	// 当前帧的解析进度，偏移相对于 start
	dec decoder
}

const defaultBufSize = 4096

func NewReader(rd io.Reader) *Reader {
	return &Reader{
		rd:  rd,
		buf: make([]byte, defaultBufSize),
	}
}

// ReadReply 读取直到解析出一个完整的帧。传输层出错后错误会一直保留；
// 在帧的中间遇到 EOF 返回 io.ErrUnexpectedEOF
func (r *Reader) ReadReply() (redis.Reply, error) {
	for {
		if r.start < r.end {
			reply, n, err := r.dec.decode(r.buf[r.start:r.end])
			if err == nil {
				r.start += n
				return reply, nil
			}
			if !errors.Is(err, ErrNeedMoreData) {
				return nil, err
			}
		}
		if r.err != nil {
			if r.err == io.EOF && r.start < r.end {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, r.err
		}
		r.fill()
	}
}

// Buffered 已读入但还未解析的字节数
func (r *Reader) Buffered() int {
	return r.end - r.start
}

func (r *Reader) fill() {
	if r.start > 0 {
		copy(r.buf, r.buf[r.start:r.end])
		r.end -= r.start
		r.start = 0
	}
	if r.end == len(r.buf) {
		grown := make([]byte, len(r.buf)*2)
		copy(grown, r.buf[:r.end])
		r.buf = grown
	}
	n, err := r.rd.Read(r.buf[r.end:])
	r.end += n
	if err != nil {
		r.err = err
	}
}

// ParseStream 在独立协程中持续解析，出错时发送错误后关闭 channel。
// 调用方需要一直读到 channel 关闭
func ParseStream(reader io.Reader) <-chan *Payload {
	ch := make(chan *Payload)
	go parse0(reader, ch)
	return ch
}

func parse0(rawReader io.Reader, ch chan<- *Payload) {
	// panic 也要先发出错误再关闭 channel，读端据此关闭连接
	defer func() {
		if err := recover(); err != nil {
			logger.Error(err, string(debug.Stack()))
			ch <- &Payload{Err: rediserr.Protocol("parser panic: %v", err)}
		}
		close(ch)
	}()
	r := NewReader(rawReader)
	for {
		reply, err := r.ReadReply()
		if err != nil {
			ch <- &Payload{Err: err}
			return
		}
		ch <- &Payload{Data: reply}
	}
}

// ParseBytes 解析 data 中所有完整的帧，末尾不完整时返回 io.ErrUnexpectedEOF
func ParseBytes(data []byte) ([]redis.Reply, error) {
	r := NewReader(bytes.NewReader(data))
	var results []redis.Reply
	for {
		reply, err := r.ReadReply()
		if err == io.EOF {
			return results, nil
		}
		if err != nil {
			return nil, err
		}
		results = append(results, reply)
	}
}

// ParseOne 解析 data 中的第一个帧
func ParseOne(data []byte) (redis.Reply, error) {
	reply, _, err := Decode(data)
	if errors.Is(err, ErrNeedMoreData) {
		return nil, io.ErrUnexpectedEOF
	}
	return reply, err
}
