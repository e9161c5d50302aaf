// Package redistest 提供测试用的内存 RESP 服务端和可控的假传输层。
//
// 服务端只实现客户端测试需要的命令子集：字符串读写、事务与 WATCH、
// 发布订阅、SELECT/AUTH。
package redistest

import (
	"context"
	"net"
	"testing"
	"time"

	"asyncredis/tcp"
)

type Server struct {
	Addr    string
	Handler *Handler

	closeCh chan struct{}
	done    chan struct{}
}

type ServerOption func(*Handler)

// WithPassword 客户端必须先 AUTH
func WithPassword(password string) ServerOption {
	return func(h *Handler) {
		h.password = password
	}
}

// WithMaxClients 超过上限的连接收到错误回复后被断开
func WithMaxClients(n int) ServerOption {
	return func(h *Handler) {
		h.maxClients = n
	}
}

// NewServer 监听随机端口，测试结束时自动关闭
func NewServer(t testing.TB, opts ...ServerOption) *Server {
	t.Helper()
	s, err := Start(opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func Start(opts ...ServerOption) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	h := NewHandler()
	for _, opt := range opts {
		opt(h)
	}
	s := &Server{
		Addr:    listener.Addr().String(),
		Handler: h,
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		tcp.ListenAndServe(listener, h, s.closeCh)
	}()
	return s, nil
}

// Close 关闭监听和所有客户端连接，等待处理协程退出
func (s *Server) Close() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
}

// KillClients 断开所有客户端连接，服务端继续监听
func (s *Server) KillClients() {
	s.Handler.killClients()
}

// Clients 当前连接数
func (s *Server) Clients() int {
	return s.Handler.clientCount()
}

// Get 直接读取某个库中的值，用于断言
func (s *Server) Get(db int, key string) ([]byte, bool) {
	return s.Handler.get(db, key)
}

// Publish 不经过客户端直接发布消息
func (s *Server) Publish(channel, message string) int {
	s.Handler.mu.Lock()
	defer s.Handler.mu.Unlock()
	return s.Handler.publish(channel, []byte(message))
}

// WaitClients 等待连接数达到 n
func (s *Server) WaitClients(ctx context.Context, n int) bool {
	for {
		if s.Clients() == n {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Millisecond):
		}
	}
}
