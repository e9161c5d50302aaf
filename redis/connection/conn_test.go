package connection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"asyncredis/interface/redis"
	"asyncredis/lib/sync/future"
	"asyncredis/protocol"
	"asyncredis/rediserr"
	"asyncredis/redis/redistest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newFakeConn(t *testing.T, opts ...Option) (*Conn, *redistest.Transport) {
	t.Helper()
	tr := redistest.NewTransport()
	c := New(tr, opts...)
	t.Cleanup(func() { c.Close(rediserr.ExplicitClose) })
	return c, tr
}

func waitClosed(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestFIFOUnderChunking(t *testing.T) {
	for _, chunk := range []int{1, 2, 5, 13, 0} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			ctx := testContext(t)
			c, tr := newFakeConn(t, WithEncoding("utf-8"))
			tr.SetChunk(chunk)

			const n = 50
			futs := make([]*future.Future, n)
			for i := range futs {
				futs[i] = c.Execute("GET", fmt.Sprintf("k%d", i))
			}
			frames, err := tr.WaitFrames(ctx, n)
			require.NoError(t, err)
			for i, frame := range frames {
				assert.Equal(t, protocol.EncodeCommand("GET", []byte(fmt.Sprintf("k%d", i))), frame.ToBytes())
			}

			replies := make([]redis.Reply, n)
			for i := range replies {
				replies[i] = protocol.MakeBulkReply([]byte(fmt.Sprintf("v%d\r\n%d", i, i)))
			}
			tr.FeedReplies(replies...)

			for i, f := range futs {
				s, err := f.Text(ctx)
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("v%d\r\n%d", i, i), s)
			}
			assert.Zero(t, c.Pending())
			assert.False(t, c.Closed())
		})
	}
}

func TestKillTransportFailsAllPending(t *testing.T) {
	ctx := testContext(t)
	c, tr := newFakeConn(t)

	const n = 10
	futs := make([]*future.Future, n)
	for i := range futs {
		futs[i] = c.Execute("INCR", "counter")
	}
	_, err := tr.WaitFrames(ctx, n)
	require.NoError(t, err)

	tr.Kill(errors.New("connection reset by peer"))
	for _, f := range futs {
		_, err := f.Wait(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, rediserr.ErrConnectionClosed))
		assert.Equal(t, rediserr.ReadError, rediserr.ReasonOf(err))
	}
	waitClosed(t, c)
	assert.Equal(t, rediserr.ReadError, c.CloseReason())
	assert.Equal(t, StateClosed, c.State())
}

func TestEOF(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		c, tr := newFakeConn(t)
		tr.EOF()
		waitClosed(t, c)
		assert.Equal(t, rediserr.ServerClose, c.CloseReason())
	})
	t.Run("pending", func(t *testing.T) {
		ctx := testContext(t)
		c, tr := newFakeConn(t)
		f := c.Execute("GET", "k")
		_, err := tr.WaitFrames(ctx, 1)
		require.NoError(t, err)
		tr.EOF()
		_, err = f.Wait(ctx)
		assert.Equal(t, rediserr.ReadError, rediserr.ReasonOf(err))
	})
}

func TestProtocolErrorIsFatal(t *testing.T) {
	ctx := testContext(t)
	c, tr := newFakeConn(t)
	first := c.Execute("GET", "a")
	second := c.Execute("GET", "b")
	_, err := tr.WaitFrames(ctx, 2)
	require.NoError(t, err)

	tr.Feed([]byte("$1\r\nx\r\n!garbage\r\n"))
	v, err := first.Bytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), v)

	_, err = second.Wait(ctx)
	assert.Equal(t, rediserr.ProtocolError, rediserr.ReasonOf(err))
	waitClosed(t, c)
}

func TestUnsolicitedReply(t *testing.T) {
	t.Run("error reply means server close", func(t *testing.T) {
		c, tr := newFakeConn(t)
		tr.Feed([]byte("-ERR max number of clients reached\r\n"))
		waitClosed(t, c)
		assert.Equal(t, rediserr.ServerClose, c.CloseReason())
	})
	t.Run("other reply is a protocol violation", func(t *testing.T) {
		c, tr := newFakeConn(t)
		tr.Feed([]byte(":1\r\n"))
		waitClosed(t, c)
		assert.Equal(t, rediserr.ProtocolError, c.CloseReason())
	})
}

func TestReplyErrorKeepsConnection(t *testing.T) {
	ctx := testContext(t)
	c, tr := newFakeConn(t)
	bad := c.Execute("INCR", "str")
	good := c.Execute("PING")
	tr.Feed([]byte("-ERR value is not an integer or out of range\r\n+PONG\r\n"))

	_, err := bad.Wait(ctx)
	assert.True(t, errors.Is(err, rediserr.ErrReply))
	assert.EqualError(t, err, "ReplyError: ERR value is not an integer or out of range")
	s, err := good.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PONG", s)
	assert.False(t, c.Closed())
}

func TestInvalidArguments(t *testing.T) {
	ctx := testContext(t)
	c, tr := newFakeConn(t)

	tests := []struct {
		name string
		fut  *future.Future
	}{
		{"nil argument", c.Execute("SET", "k", nil)},
		{"struct argument", c.Execute("SET", "k", struct{}{})},
		{"bool argument", c.Execute("SET", "k", true)},
		{"empty command", c.Execute("")},
		{"subscribe through execute", c.Execute("SUBSCRIBE", "t")},
		{"exec without multi", c.Execute("EXEC")},
		{"discard without multi", c.Execute("discard")},
		{"unknown encoding", c.ExecuteHint(redis.Hint{Encoding: "klingon"}, "GET", "k")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.fut.IsDone())
			_, err := tt.fut.Wait(ctx)
			assert.True(t, errors.Is(err, rediserr.ErrInvalidArgument), "got %v", err)
		})
	}
	// 校验失败的命令不会写到链路上
	assert.Empty(t, tr.Written())
	assert.Zero(t, c.Pending())
	assert.False(t, c.Closed())
}

func TestModeTransitionsAtSubmit(t *testing.T) {
	ctx := testContext(t)
	c, tr := newFakeConn(t)

	c.Execute("MULTI")
	assert.Equal(t, redis.ModeInMulti, c.Mode())
	assert.True(t, c.InTransaction())

	_, err := c.Execute("MULTI").Wait(ctx)
	assert.ErrorIs(t, err, rediserr.ErrInvalidArgument)
	_, err = c.Subscribe(ctx, "t")
	assert.ErrorIs(t, err, rediserr.ErrInvalidArgument)

	c.Execute("SET", "a", 1)
	exec := c.Execute("EXEC")
	assert.Equal(t, redis.ModeNormal, c.Mode())

	_, err = tr.WaitFrames(ctx, 3)
	require.NoError(t, err)
	tr.Feed([]byte("+OK\r\n+QUEUED\r\n*1\r\n+OK\r\n"))
	vals, err := exec.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"OK"}, vals)
}

func TestSelectUpdatesDB(t *testing.T) {
	ctx := testContext(t)
	c, tr := newFakeConn(t, WithDB(2))
	assert.Equal(t, 2, c.DB())

	done := make(chan error, 1)
	go func() { done <- c.Select(ctx, 7) }()
	_, err := tr.WaitFrames(ctx, 1)
	require.NoError(t, err)
	tr.Feed([]byte("+OK\r\n"))
	require.NoError(t, <-done)
	assert.Equal(t, 7, c.DB())

	// 失败的 SELECT 不改变库号
	go func() { done <- c.Select(ctx, 99) }()
	_, err = tr.WaitFrames(ctx, 2)
	require.NoError(t, err)
	tr.Feed([]byte("-ERR DB index is out of range\r\n"))
	assert.ErrorIs(t, <-done, rediserr.ErrReply)
	assert.Equal(t, 7, c.DB())
}

// 放弃等待不会让出 FIFO 槽位：迟到的回复被读出并丢弃，连接继续可用
func TestCancelledWaitKeepsSlot(t *testing.T) {
	ctx := testContext(t)
	c, tr := newFakeConn(t, WithEncoding("utf-8"))

	slow := c.Execute("GET", "a")
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := slow.Wait(short)
	assert.ErrorIs(t, err, rediserr.ErrCancelled)
	assert.Equal(t, 1, c.Pending())

	next := c.Execute("GET", "b")
	tr.Feed([]byte("$2\r\nva\r\n$2\r\nvb\r\n"))

	s, err := next.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "vb", s)
	v, err, ok := slow.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "va", v)
	assert.False(t, c.Closed())
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	c, tr := newFakeConn(t)
	f := c.Execute("GET", "k")

	c.Close(rediserr.PoolDBMismatch)
	c.Close(rediserr.ExplicitClose)
	assert.Equal(t, rediserr.PoolDBMismatch, c.CloseReason())
	assert.True(t, tr.Closed())

	_, err := f.Wait(ctx)
	assert.Equal(t, rediserr.PoolDBMismatch, rediserr.ReasonOf(err))

	_, err = c.Execute("PING").Wait(ctx)
	assert.True(t, errors.Is(err, rediserr.ErrConnectionClosed))
	assert.Equal(t, rediserr.PoolDBMismatch, rediserr.ReasonOf(err))
	assert.NoError(t, c.WaitClosed(ctx))
}

func TestNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := testContext(t)
	tr := redistest.NewTransport()
	c := New(tr)
	f := c.Execute("PING")
	tr.Feed([]byte("+PONG\r\n"))
	_, err := f.Wait(ctx)
	require.NoError(t, err)

	c.Close(rediserr.ExplicitClose)
	require.NoError(t, c.WaitClosed(ctx))
}

func TestAccessors(t *testing.T) {
	c, _ := newFakeConn(t, WithAddr("10.0.0.1:6379"), WithEncoding("utf-8"))
	assert.Len(t, c.ID(), 26)
	assert.Equal(t, "10.0.0.1:6379", c.Addr())
	assert.Equal(t, "utf-8", c.Encoding())
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, redis.ModeNormal, c.Mode())
	assert.Zero(t, c.InPubSub())
	assert.Contains(t, c.String(), "addr=10.0.0.1:6379")
}

// SUBSCRIBE 之前提交的命令，回复即使形如 message 推送也按 FIFO 交给该命令
func TestPushAfterEarlierReplies(t *testing.T) {
	ctx := testContext(t)
	c, tr := newFakeConn(t, WithEncoding("utf-8"))

	lrange := c.Execute("LRANGE", "l", 0, -1)
	done := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(ctx, "t")
		done <- err
	}()
	_, err := tr.WaitFrames(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, redis.ModeSubscribed, c.Mode())

	tr.Feed([]byte("*3\r\n$7\r\nmessage\r\n$1\r\nt\r\n$1\r\nx\r\n" +
		"*3\r\n$9\r\nsubscribe\r\n$1\r\nt\r\n:1\r\n"))

	vals, err := lrange.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"message", "t", "x"}, vals)
	require.NoError(t, <-done)

	ch := c.PubSubChannel("t", false)
	require.NotNil(t, ch)
	assert.Zero(t, ch.Len())

	tr.Feed([]byte("*3\r\n$7\r\nmessage\r\n$1\r\nt\r\n$5\r\nhello\r\n"))
	s, err := ch.GetString(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
	assert.Zero(t, c.Pending())
	assert.False(t, c.Closed())
}

// 分发过程中的 panic 关闭连接，不会因为持有锁而卡住
func TestDispatchPanicClosesConnection(t *testing.T) {
	c, tr := newFakeConn(t)

	c.mu.Lock()
	c.pending.PushBack("not a request")
	c.mu.Unlock()
	tr.Feed([]byte("+OK\r\n"))

	waitClosed(t, c)
	assert.Equal(t, rediserr.ProtocolError, c.CloseReason())
	assert.Zero(t, c.Pending())
}
