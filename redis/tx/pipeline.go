package tx

import (
	"context"

	"asyncredis/interface/redis"
	"asyncredis/lib/sync/future"
	"asyncredis/rediserr"
)

type pipelined struct {
	hint    redis.Hint
	command string
	args    []any
	fut     *future.Future
}

// Pipeline 缓存一批命令，Execute 时连续提交并按顺序收集结果，不保证原子性
type Pipeline struct {
	conn redis.Executor
	cmds []*pipelined
}

func NewPipeline(conn redis.Executor) *Pipeline {
	return &Pipeline{conn: conn}
}

func (p *Pipeline) Add(command string, args ...any) *future.Future {
	return p.AddHint(redis.Hint{}, command, args...)
}

func (p *Pipeline) AddHint(hint redis.Hint, command string, args ...any) *future.Future {
	cmd := &pipelined{hint: hint, command: command, args: args, fut: future.New()}
	p.cmds = append(p.cmds, cmd)
	return cmd.fut
}

func (p *Pipeline) Len() int {
	return len(p.cmds)
}

// Execute 任一命令失败时返回 PipelineError，子错误按命令顺序排列，
// 成功命令的结果仍然在返回值和各自的 Future 中
func (p *Pipeline) Execute(ctx context.Context) ([]any, error) {
	cmds := p.cmds
	p.cmds = nil

	futs := make([]*future.Future, len(cmds))
	for i, cmd := range cmds {
		futs[i] = p.conn.ExecuteHint(cmd.hint, cmd.command, cmd.args...)
	}

	results := make([]any, len(cmds))
	errs := make([]error, len(cmds))
	for i, fut := range futs {
		results[i], errs[i] = fut.Wait(ctx)
		if rediserr.KindOf(errs[i]) == rediserr.KindCancelled {
			for _, cmd := range cmds[i:] {
				cmd.fut.Resolve(nil, errs[i])
			}
			return nil, errs[i]
		}
		cmds[i].fut.Resolve(results[i], errs[i])
	}
	if errs := rediserr.Aggregate(errs...); len(errs) > 0 {
		return results, rediserr.Pipeline(errs)
	}
	return results, nil
}
