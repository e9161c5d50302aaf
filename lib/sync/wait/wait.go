// Package wait 跟踪一组后台协程：连接的读写协程、连接池维护协程、客户端心跳。
package wait

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"asyncredis/lib/logger"
)

// Wait 零值可用
type Wait struct {
	wg      sync.WaitGroup
	running atomic.Int32
}

// Go 在新协程中执行 fn 并计数，fn 中的 panic 被记录后吞掉
func (w *Wait) Go(fn func()) {
	w.wg.Add(1)
	w.running.Add(1)
	go func() {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(err, string(debug.Stack()))
			}
			w.running.Add(-1)
			w.wg.Done()
		}()
		fn()
	}()
}

// Running 还没有退出的协程数
func (w *Wait) Running() int {
	return int(w.running.Load())
}

func (w *Wait) Wait() {
	w.wg.Wait()
}

// WaitContext 在 ctx 结束前全部退出时返回 nil，否则返回 ctx.Err()
func (w *Wait) WaitContext(ctx context.Context) error {
	if w.Running() == 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
