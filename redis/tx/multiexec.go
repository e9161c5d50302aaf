// Package tx 在单条连接上实现 MULTI/EXEC 事务和非事务的批量执行。
package tx

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"asyncredis/interface/redis"
	"asyncredis/lib/sync/future"
	"asyncredis/protocol"
	"asyncredis/rediserr"
)

type state int

const (
	stateIdle state = iota
	stateQueuing
)

// 一条已入队的命令，ack 是 QUEUED 确认，fut 在 EXEC 之后完成
type queued struct {
	cmd  string
	hint redis.Hint
	ack  *future.Future
	fut  *future.Future
}

// MultiExec 事务控制器，同一时刻只能有一个事务
type MultiExec struct {
	conn redis.Executor

	mu    sync.Mutex
	state state
	// WATCH 已提交，还没有被 EXEC、DISCARD 或 UNWATCH 清除
	watching bool
	multi    *future.Future
	queued   []*queued
}

func NewMultiExec(conn redis.Executor) *MultiExec {
	return &MultiExec{conn: conn}
}

// Watch 必须在 Multi 之前调用
func (m *MultiExec) Watch(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return rediserr.Invalid("WATCH requires at least one key")
	}
	m.mu.Lock()
	if m.state != stateIdle {
		m.mu.Unlock()
		return rediserr.Invalid("WATCH inside MULTI is not allowed")
	}
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	fut := m.conn.Execute("WATCH", args...)
	m.watching = true
	m.mu.Unlock()
	return fut.OK(ctx)
}

func (m *MultiExec) Unwatch(ctx context.Context) error {
	m.mu.Lock()
	if m.state != stateIdle {
		m.mu.Unlock()
		return rediserr.Invalid("UNWATCH inside MULTI is not allowed")
	}
	fut := m.conn.Execute("UNWATCH")
	m.watching = false
	m.mu.Unlock()
	return fut.OK(ctx)
}

// Multi 提交 MULTI，不等待回复
func (m *MultiExec) Multi() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateIdle {
		return rediserr.Invalid("MULTI calls can not be nested")
	}
	fut := m.conn.Execute("MULTI")
	if _, err, ok := fut.Result(); ok && err != nil {
		return err
	}
	m.multi = fut
	m.state = stateQueuing
	return nil
}

func (m *MultiExec) Execute(command string, args ...any) *future.Future {
	return m.ExecuteHint(redis.Hint{}, command, args...)
}

// ExecuteHint 把命令加入事务，返回的 Future 在 EXEC 或 DISCARD 之后完成。
// hint 决定 EXEC 结果中对应元素的转换方式
func (m *MultiExec) ExecuteHint(hint redis.Hint, command string, args ...any) *future.Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateQueuing {
		return future.Resolved(nil, rediserr.Invalid("%s outside MULTI", command))
	}
	if hint.Encoding == "" && !hint.Raw {
		hint.Encoding = m.conn.Encoding()
	}
	ack := m.conn.Execute(command, args...)
	// 没有写到链路上的命令不占用事务中的位置
	if _, err, ok := ack.Result(); ok && err != nil {
		return future.Resolved(nil, err)
	}
	q := &queued{cmd: strings.ToLower(command), hint: hint, ack: ack, fut: future.New()}
	m.queued = append(m.queued, q)
	return q.fut
}

// Len 当前事务中已入队的命令数
func (m *MultiExec) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued)
}

// Watching 是否还有未清除的 WATCH
func (m *MultiExec) Watching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watching
}

func (m *MultiExec) InMulti() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateQueuing
}

// take 结束当前事务，返回 MULTI 的 Future 和入队的命令
func (m *MultiExec) take(command string) (*future.Future, []*queued, *future.Future, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateQueuing {
		return nil, nil, nil, rediserr.Invalid("%s without MULTI", command)
	}
	hint := redis.Hint{}
	if command == "EXEC" {
		hint.Frame = true
	}
	fut := m.conn.ExecuteHint(hint, command)
	multi, queue := m.multi, m.queued
	m.state = stateIdle
	m.watching = false
	m.multi = nil
	m.queued = nil
	return multi, queue, fut, nil
}

// Exec 提交 EXEC 并按提交顺序返回各命令的结果。
//
//	EXEC 返回 null:         WatchVariableError，没有命令被执行
//	EXEC 返回 EXECABORT:    MultiExecError，携带入队时的错误
//	某些命令执行失败:        MultiExecError，按命令顺序携带子错误，不返回任何结果
func (m *MultiExec) Exec(ctx context.Context) ([]any, error) {
	multi, queue, exec, err := m.take("EXEC")
	if err != nil {
		return nil, err
	}
	if err := multi.OK(ctx); err != nil {
		failAll(queue, err)
		return nil, err
	}

	ackErrs := make([]error, len(queue))
	for i, q := range queue {
		v, err := q.ack.Wait(ctx)
		switch {
		case err == nil && v != "QUEUED":
			err = rediserr.Protocol("unexpected ack %v for queued %s", v, q.cmd)
		case err != nil && rediserr.KindOf(err) != rediserr.KindReply:
			failAll(queue, err)
			return nil, err
		}
		ackErrs[i] = err
	}

	v, err := exec.Wait(ctx)
	if err != nil {
		if rediserr.KindOf(err) != rediserr.KindReply {
			failAll(queue, err)
			return nil, err
		}
		errs := rediserr.Aggregate(ackErrs...)
		if len(errs) == 0 {
			errs = []error{err}
		}
		txErr := rediserr.MultiExec(errs)
		for i, q := range queue {
			if ackErrs[i] != nil {
				q.fut.Resolve(nil, ackErrs[i])
			} else {
				q.fut.Resolve(nil, txErr)
			}
		}
		return nil, txErr
	}

	var replies []redis.Reply
	switch reply := v.(type) {
	case *protocol.NullArrayReply:
		err := rediserr.WatchVariable()
		failAll(queue, err)
		return nil, err
	case *protocol.ArrayReply:
		replies = reply.Replies
	default:
		err := rediserr.Protocol("unexpected EXEC reply %T", reply)
		m.conn.Close(rediserr.ProtocolError)
		failAll(queue, err)
		return nil, err
	}
	if len(replies) != len(queue) {
		err := rediserr.Protocol("EXEC returned %d replies for %d queued commands", len(replies), len(queue))
		m.conn.Close(rediserr.ProtocolError)
		failAll(queue, err)
		return nil, err
	}

	results := make([]any, len(queue))
	errs := make([]error, len(queue))
	for i, q := range queue {
		results[i], errs[i] = protocol.ToValue(replies[i], q.hint)
	}
	// 任何一条命令失败时整个事务视为失败，成功的结果被丢弃
	if agg := rediserr.Aggregate(errs...); len(agg) > 0 {
		txErr := rediserr.MultiExec(agg)
		for i, q := range queue {
			if errs[i] != nil {
				q.fut.Resolve(nil, errs[i])
			} else {
				q.fut.Resolve(nil, txErr)
			}
		}
		return nil, txErr
	}
	for i, q := range queue {
		q.fut.Resolve(results[i], nil)
	}
	return results, nil
}

// Discard 放弃事务，已入队命令的 Future 以 Discarded 错误完成
func (m *MultiExec) Discard(ctx context.Context) error {
	multi, queue, discard, err := m.take("DISCARD")
	if err != nil {
		return err
	}
	failAll(queue, rediserr.Discard())
	if err := multi.OK(ctx); err != nil {
		return err
	}
	if err := discard.OK(ctx); err != nil {
		return fmt.Errorf("discard: %w", err)
	}
	return nil
}

func failAll(queue []*queued, err error) {
	for _, q := range queue {
		q.fut.Resolve(nil, err)
	}
}
