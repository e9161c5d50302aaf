package redistest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"asyncredis/interface/redis"
	"asyncredis/parser"
)

// Transport 一个可控的假传输层：测试通过 Feed 注入服务端回复，
// 通过 Written / WaitFrames 检查客户端写出的命令
type Transport struct {
	mu sync.Mutex
	// 有新数据、关闭或出错时 close 并替换
	changed chan struct{}

	in    []byte
	chunk int // 每次 Read 最多返回的字节数，0 表示不限
	out   bytes.Buffer

	eof    bool
	err    error
	closed bool
}

func NewTransport() *Transport {
	return &Transport{changed: make(chan struct{})}
}

// 调用方持有 t.mu
func (t *Transport) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// SetChunk 限制每次 Read 返回的字节数，用来模拟任意分片
func (t *Transport) SetChunk(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunk = n
}

// Feed 追加一段客户端可读的数据
func (t *Transport) Feed(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.in = append(t.in, data...)
	t.notify()
}

func (t *Transport) FeedReplies(replies ...redis.Reply) {
	var buf bytes.Buffer
	for _, r := range replies {
		buf.Write(r.ToBytes())
	}
	t.Feed(buf.Bytes())
}

// EOF 模拟对端关闭：已注入的数据读完后返回 io.EOF
func (t *Transport) EOF() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eof = true
	t.notify()
}

// Kill 模拟链路故障：之后的 Read 和 Write 立即返回 err
func (t *Transport) Kill(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
	t.notify()
}

func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	for {
		if t.closed {
			t.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if t.err != nil {
			err := t.err
			t.mu.Unlock()
			return 0, err
		}
		if len(t.in) > 0 {
			n := len(p)
			if t.chunk > 0 && n > t.chunk {
				n = t.chunk
			}
			n = copy(p[:n], t.in)
			t.in = t.in[n:]
			t.mu.Unlock()
			return n, nil
		}
		if t.eof {
			t.mu.Unlock()
			return 0, io.EOF
		}
		changed := t.changed
		t.mu.Unlock()
		<-changed
		t.mu.Lock()
	}
}

func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	if t.err != nil {
		return 0, t.err
	}
	t.out.Write(p)
	t.notify()
	return len(p), nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.notify()
	}
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Written 客户端目前写出的全部字节
func (t *Transport) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.out.Bytes()...)
}

// WaitFrames 等待客户端写出至少 n 个完整的帧，返回已写出的所有帧
func (t *Transport) WaitFrames(ctx context.Context, n int) ([]redis.Reply, error) {
	for {
		t.mu.Lock()
		data := append([]byte(nil), t.out.Bytes()...)
		changed := t.changed
		t.mu.Unlock()

		frames, err := parser.ParseBytes(data)
		if err == nil && len(frames) >= n {
			return frames, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return frames, ctx.Err()
		}
	}
}
