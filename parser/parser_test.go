package parser

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"asyncredis/interface/redis"
	"asyncredis/protocol"
	"asyncredis/rediserr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bulkArgs(t *testing.T, reply redis.Reply) [][]byte {
	t.Helper()
	arr, ok := reply.(*protocol.ArrayReply)
	require.True(t, ok, "expected array, got %T", reply)
	args := make([][]byte, len(arr.Replies))
	for i, r := range arr.Replies {
		b, ok := r.(*protocol.BulkReply)
		require.True(t, ok, "expected bulk, got %T", r)
		args[i] = b.Arg
	}
	return args
}

func TestCommandRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		args [][]byte
	}{
		{"plain", [][]byte{[]byte("k"), []byte("v")}},
		{"empty strings", [][]byte{{}, []byte(""), []byte("x")}},
		{"crlf inside", [][]byte{[]byte("a\r\nb"), []byte("\r\n"), []byte("\n\r")}},
		{"binary", [][]byte{{0, 1, 2, 255, '$', '*', '\r'}}},
		{"no args", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := protocol.EncodeCommand("SET", tt.args...)
			reply, n, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, len(encoded), n)
			got := bulkArgs(t, reply)
			require.Len(t, got, len(tt.args)+1)
			assert.Equal(t, "SET", string(got[0]))
			for i, arg := range tt.args {
				assert.Equal(t, arg, got[i+1])
			}
			// 再编码结果一致
			assert.Equal(t, encoded, reply.ToBytes())
		})
	}
}

func TestScalarFrames(t *testing.T) {
	tests := []struct {
		input string
		check func(t *testing.T, r redis.Reply)
	}{
		{"+OK\r\n", func(t *testing.T, r redis.Reply) {
			assert.Equal(t, "OK", r.(*protocol.StatusReply).Status)
			assert.True(t, protocol.IsOKReply(r))
		}},
		{"-ERR bad\r\n", func(t *testing.T, r redis.Reply) {
			assert.True(t, protocol.IsErrorReply(r))
			assert.Equal(t, "ERR bad", r.(protocol.ErrorReply).Error())
		}},
		{":-42\r\n", func(t *testing.T, r redis.Reply) {
			assert.Equal(t, int64(-42), r.(*protocol.IntReply).Code)
		}},
		{"$0\r\n\r\n", func(t *testing.T, r redis.Reply) {
			assert.Equal(t, []byte{}, r.(*protocol.BulkReply).Arg)
		}},
		{"$-1\r\n", func(t *testing.T, r redis.Reply) {
			assert.IsType(t, &protocol.NullBulkReply{}, r)
		}},
		{"*-1\r\n", func(t *testing.T, r redis.Reply) {
			assert.IsType(t, &protocol.NullArrayReply{}, r)
		}},
		{"*0\r\n", func(t *testing.T, r redis.Reply) {
			assert.Len(t, r.(*protocol.ArrayReply).Replies, 0)
		}},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			r, n, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), n)
			tt.check(t, r)
		})
	}
}

// 三层以上嵌套，逐字节喂入
func TestByteAtATimeNested(t *testing.T) {
	nested := protocol.MakeArrayReply([]redis.Reply{
		protocol.MakeIntReply(1),
		protocol.MakeArrayReply([]redis.Reply{
			protocol.MakeBulkReply([]byte("a\r\n")),
			protocol.MakeArrayReply([]redis.Reply{
				protocol.MakeStatusReply("deep"),
				protocol.MakeArrayReply([]redis.Reply{
					protocol.MakeNullBulkReply(),
					protocol.MakeErrReply("ERR inner"),
				}),
			}),
		}),
		protocol.MakeBulkReply([]byte{}),
	})
	encoded := nested.ToBytes()
	trailing := []byte(":7\r\n")
	stream := append(append([]byte{}, encoded...), trailing...)

	for i := 1; i < len(encoded); i++ {
		_, n, err := Decode(stream[:i])
		require.ErrorIs(t, err, ErrNeedMoreData, "prefix of %d bytes", i)
		require.Zero(t, n)
	}
	reply, n, err := Decode(stream[:len(encoded)])
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, encoded, reply.ToBytes())

	// 后面的帧不会被消费
	_, n, err = Decode(stream)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	next, _, err := Decode(stream[n:])
	require.NoError(t, err)
	assert.Equal(t, int64(7), next.(*protocol.IntReply).Code)
}

func TestDeepNestingDoesNotRecurse(t *testing.T) {
	const depth = 100000
	var b bytes.Buffer
	for i := 0; i < depth; i++ {
		b.WriteString("*1\r\n")
	}
	b.WriteString(":1\r\n")
	reply, n, err := Decode(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, b.Len(), n)
	for i := 0; i < depth; i++ {
		arr, ok := reply.(*protocol.ArrayReply)
		require.True(t, ok)
		reply = arr.Replies[0]
	}
	assert.Equal(t, int64(1), reply.(*protocol.IntReply).Code)
}

func TestMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown type", "?what\r\n"},
		{"bad integer", ":12a\r\n"},
		{"bad bulk length", "$x\r\n"},
		{"negative bulk length", "$-2\r\n"},
		{"bulk missing crlf", "$3\r\nabcXY"},
		{"bad array length", "*-5\r\n"},
		{"bare newline", "+OK\n"},
		{"empty line", "\r\n"},
		{"nested bad element", "*2\r\n:1\r\n!\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol))
			assert.Equal(t, rediserr.KindProtocol, rediserr.KindOf(err))
		})
	}
}

func TestLineTooLong(t *testing.T) {
	long := "+" + strings.Repeat("a", MaxLineLen+1)
	_, _, err := Decode([]byte(long))
	assert.ErrorIs(t, err, ErrProtocol)
}

// 每次只返回一小段数据的 reader
type chunkReader struct {
	data  []byte
	chunk int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestReaderChunked(t *testing.T) {
	big := bytes.Repeat([]byte("z"), 3*defaultBufSize)
	var stream []byte
	stream = append(stream, protocol.MakeStatusReply("OK").ToBytes()...)
	stream = append(stream, protocol.MakeBulkReply(big).ToBytes()...)
	stream = append(stream, protocol.MakeIntReply(3).ToBytes()...)

	for _, chunk := range []int{1, 3, 7, 1024} {
		r := NewReader(&chunkReader{data: stream, chunk: chunk})
		first, err := r.ReadReply()
		require.NoError(t, err)
		assert.True(t, protocol.IsOKReply(first))
		second, err := r.ReadReply()
		require.NoError(t, err)
		assert.Equal(t, big, second.(*protocol.BulkReply).Arg)
		third, err := r.ReadReply()
		require.NoError(t, err)
		assert.Equal(t, int64(3), third.(*protocol.IntReply).Code)
		_, err = r.ReadReply()
		assert.Equal(t, io.EOF, err)
	}
}

// 分块到达的大数组只解析新到的元素，总耗时与一次读入同一数量级
func TestReaderLargeArrayChunked(t *testing.T) {
	const n = 200000
	var b bytes.Buffer
	b.WriteString("*200000\r\n")
	for i := 0; i < n; i++ {
		b.WriteString("$1\r\nx\r\n")
	}
	b.WriteString("+OK\r\n")

	start := time.Now()
	r := NewReader(&chunkReader{data: b.Bytes(), chunk: 4096})
	reply, err := r.ReadReply()
	require.NoError(t, err)
	elapsed := time.Since(start)

	arr, ok := reply.(*protocol.ArrayReply)
	require.True(t, ok)
	require.Len(t, arr.Replies, n)
	assert.Equal(t, []byte("x"), arr.Replies[n-1].(*protocol.BulkReply).Arg)
	assert.Less(t, elapsed, 3*time.Second)

	next, err := r.ReadReply()
	require.NoError(t, err)
	assert.True(t, protocol.IsOKReply(next))
}

// 逐字节到达的嵌套数组，续解析的结果与一次解析相同
func TestReaderResumesNested(t *testing.T) {
	nested := protocol.MakeArrayReply([]redis.Reply{
		protocol.MakeArrayReply([]redis.Reply{
			protocol.MakeBulkReply([]byte("a\r\nb")),
			protocol.MakeIntReply(-3),
		}),
		protocol.MakeArrayReply([]redis.Reply{}),
		protocol.MakeNullArrayReply(),
		protocol.MakeBulkReply(bytes.Repeat([]byte("y"), 2*defaultBufSize)),
	})
	stream := append(nested.ToBytes(), nested.ToBytes()...)

	r := NewReader(&chunkReader{data: stream, chunk: 1})
	for i := 0; i < 2; i++ {
		reply, err := r.ReadReply()
		require.NoError(t, err)
		assert.Equal(t, nested.ToBytes(), reply.ToBytes())
	}
	_, err := r.ReadReply()
	assert.Equal(t, io.EOF, err)
}

type panicReader struct{}

func (panicReader) Read([]byte) (int, error) {
	panic("broken transport")
}

func TestParseStreamPanicReportsError(t *testing.T) {
	ch := ParseStream(panicReader{})
	var errs []error
	for payload := range ch {
		errs = append(errs, payload.Err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrProtocol)
}

func TestReaderUnexpectedEOF(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("$5\r\nab")))
	_, err := r.ReadReply()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	assert.Equal(t, 6, r.Buffered())
}

func TestParseStream(t *testing.T) {
	data := []byte("+OK\r\n:1\r\n$3\r\nfoo\r\n")
	ch := ParseStream(bytes.NewReader(data))
	var replies []redis.Reply
	var last error
	for payload := range ch {
		if payload.Err != nil {
			last = payload.Err
			continue
		}
		replies = append(replies, payload.Data)
	}
	assert.Len(t, replies, 3)
	assert.Equal(t, io.EOF, last)
}

func TestParseBytesAndOne(t *testing.T) {
	replies, err := ParseBytes([]byte("+OK\r\n*2\r\n$1\r\na\r\n$1\r\nb\r\n"))
	require.NoError(t, err)
	require.Len(t, replies, 2)

	_, err = ParseBytes([]byte("+OK\r\n*2\r\n$1\r\na\r\n"))
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	one, err := ParseOne([]byte(":5\r\n:6\r\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), one.(*protocol.IntReply).Code)

	_, err = ParseOne([]byte(":5"))
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
