package tcp

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"asyncredis/interface/tcp"
	"asyncredis/lib/logger"
	"asyncredis/lib/sync/wait"
)

// ClientCount 当前正在处理的连接数
var ClientCount atomic.Int32

// ListenAndServe 为每个连接启动一个协程交给 handler 处理，
// closeChan 关闭或 Accept 出错后关闭 listener 与 handler，等待所有连接处理结束后返回
func ListenAndServe(listener net.Listener, handler tcp.Handler, closeChan <-chan struct{}) {
	errCh := make(chan error, 1)
	stopped := make(chan struct{})
	defer close(stopped)

	go func() {
		select {
		case <-closeChan:
			logger.Debug("get exit signal")
		case err := <-errCh:
			logger.Debug(fmt.Sprintf("accept error: %s", err.Error()))
		case <-stopped:
			return
		}
		logger.Debug("shutting down...")
		_ = listener.Close()
		_ = handler.Close()
	}()

	ctx := context.Background()
	var handlers wait.Wait

	for {
		conn, err := listener.Accept()
		if err != nil {
			// 如果是超时错误，重新尝试
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("accept occurs timeout error: %v", err)
				time.Sleep(5 * time.Millisecond)
				continue
			}
			errCh <- err
			break
		}
		ClientCount.Add(1)
		handlers.Go(func() {
			defer ClientCount.Add(-1)
			handler.Handle(ctx, conn)
		})
	}
	handlers.Wait()
}
