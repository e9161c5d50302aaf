// Package future 提供只能赋值一次的完成槽，execute 立即返回 Future，
// 由连接的分发协程在回复到达时 Resolve。
package future

import (
	"context"
	"fmt"
	"sync"
	"time"

	"asyncredis/rediserr"
)

type Future struct {
	done chan struct{}
	once sync.Once
	val  any
	err  error
}

func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved 创建一个已完成的 Future，用于参数校验失败等立即返回的场景
func Resolved(val any, err error) *Future {
	f := New()
	f.Resolve(val, err)
	return f
}

// Resolve 只有第一次调用生效，返回是否生效
func (f *Future) Resolve(val any, err error) bool {
	ok := false
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
		ok = true
	})
	return ok
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait 等待结果。ctx 结束只是放弃等待，命令仍然占据连接上的 FIFO 槽位，
// 它的回复到达后会被读出并丢弃
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, rediserr.Cancel(ctx.Err())
	}
}

// WaitWithTimeout 超时返回 Cancelled 错误
func (f *Future) WaitWithTimeout(timeout time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.Wait(ctx)
}

// Result 非阻塞地读取结果，未完成时 ok 为 false
func (f *Future) Result() (val any, err error, ok bool) {
	if !f.IsDone() {
		return nil, nil, false
	}
	return f.val, f.err, true
}

// Text 期望结果是字符串（status 或已解码的 bulk）
func (f *Future) Text(ctx context.Context) (string, error) {
	v, err := f.Wait(ctx)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("unexpected reply type %T", v)
}

func (f *Future) Bytes(ctx context.Context) ([]byte, error) {
	v, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected reply type %T", v)
}

func (f *Future) Int64(ctx context.Context) (int64, error) {
	v, err := f.Wait(ctx)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
	return n, nil
}

func (f *Future) Values(ctx context.Context) ([]any, error) {
	v, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	vals, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected reply type %T", v)
	}
	return vals, nil
}

// OK 期望状态回复 OK
func (f *Future) OK(ctx context.Context) error {
	s, err := f.Text(ctx)
	if err != nil {
		return err
	}
	if s != "OK" {
		return fmt.Errorf("unexpected reply %q, want OK", s)
	}
	return nil
}
