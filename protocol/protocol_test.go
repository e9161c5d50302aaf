package protocol_test

import (
	"errors"
	"testing"

	"asyncredis/interface/redis"
	"asyncredis/parser"
	"asyncredis/protocol"
	pa "asyncredis/protocol/assert"
	"asyncredis/rediserr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommand(t *testing.T) {
	got := protocol.EncodeCommand("SET", []byte("k"), []byte(""), nil)
	assert.Equal(t, "*4\r\n$3\r\nSET\r\n$1\r\nk\r\n$0\r\n\r\n$0\r\n\r\n", string(got))

	reply, err := parser.ParseOne(got)
	require.NoError(t, err)
	pa.AssertArrayBulks(t, reply, []string{"SET", "k", "", ""})
	pa.AssertArrayLen(t, reply, 4)
}

func TestFrameEncoding(t *testing.T) {
	tests := []struct {
		reply redis.Reply
		want  string
	}{
		{protocol.MakeOkReply(), "+OK\r\n"},
		{protocol.MakeQueuedReply(), "+QUEUED\r\n"},
		{protocol.MakeIntReply(-1), ":-1\r\n"},
		{protocol.MakeBulkReply(nil), "$-1\r\n"},
		{protocol.MakeNullArrayReply(), "*-1\r\n"},
		{protocol.MakeErrReply("ERR x"), "-ERR x\r\n"},
		{protocol.MakeArrayReply([]redis.Reply{protocol.MakeIntReply(1), protocol.MakeNullBulkReply()}), "*2\r\n:1\r\n$-1\r\n"},
		{&protocol.ExecAbortErrReply{}, "-EXECABORT Transaction discarded because of previous errors.\r\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(tt.reply.ToBytes()))
	}
	assert.True(t, protocol.IsQueuedReply(protocol.MakeStatusReply("QUEUED")))
	assert.True(t, protocol.IsErrorReply(protocol.MakeArgNumErrReply("get")))
	assert.False(t, protocol.IsErrorReply(protocol.MakeStatusReply("OK")))
}

func TestToValue(t *testing.T) {
	arr := protocol.MakeArrayReply([]redis.Reply{
		protocol.MakeBulkReply([]byte("caf\xe9")),
		protocol.MakeIntReply(3),
		protocol.MakeErrReply("WRONGTYPE no"),
		protocol.MakeNullBulkReply(),
		protocol.MakeArrayReply([]redis.Reply{protocol.MakeStatusReply("OK")}),
	})

	raw, err := protocol.ToValue(arr, redis.Hint{})
	require.NoError(t, err)
	vals := raw.([]any)
	assert.Equal(t, []byte("caf\xe9"), vals[0])
	assert.Equal(t, int64(3), vals[1])
	assert.True(t, errors.Is(vals[2].(error), rediserr.ErrReply))
	assert.Nil(t, vals[3])
	assert.Equal(t, []any{"OK"}, vals[4])

	latin, err := protocol.ToValue(arr, redis.Hint{Encoding: "latin1"})
	require.NoError(t, err)
	assert.Equal(t, "café", latin.([]any)[0])

	utf, err := protocol.ToValue(protocol.MakeBulkReply([]byte("héllo")), redis.Hint{Encoding: "utf-8"})
	require.NoError(t, err)
	assert.Equal(t, "héllo", utf)

	forced, err := protocol.ToValue(protocol.MakeBulkReply([]byte("x")), redis.Hint{Encoding: "utf-8", Raw: true})
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), forced)

	frame, err := protocol.ToValue(arr, redis.Hint{Frame: true})
	require.NoError(t, err)
	assert.Same(t, arr, frame)

	_, err = protocol.ToValue(protocol.MakeErrReply("ERR boom"), redis.Hint{Frame: true})
	assert.ErrorIs(t, err, rediserr.ErrReply)
	assert.EqualError(t, err, "ReplyError: ERR boom")

	_, err = protocol.ToValue(protocol.MakeBulkReply([]byte("x")), redis.Hint{Encoding: "no-such-charset"})
	assert.ErrorIs(t, err, rediserr.ErrInvalidArgument)

	null, err := protocol.ToValue(protocol.MakeNullArrayReply(), redis.Hint{})
	require.NoError(t, err)
	assert.Nil(t, null)
}
