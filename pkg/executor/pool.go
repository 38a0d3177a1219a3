// Package executor 提供有界任务池：固定 worker + 有界队列 + panic 保护。
// 用于把统计持久化、利润重算等 IO 任务移出成交回调热路径。
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "executor")

// Task 一个待执行的任务
type Task struct {
	Name    string
	Timeout time.Duration // 可选；>0 时为任务附加超时
	Do      func(ctx context.Context)
}

// Pool 有界任务池
type Pool struct {
	workers int

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	ch   chan Task
	wg   sync.WaitGroup
	once sync.Once
}

// NewPool 创建任务池（workers<=0 时取 3，buffer<=0 时取 256）
func NewPool(workers, buffer int) *Pool {
	if workers <= 0 {
		workers = 3
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Pool{
		workers: workers,
		ch:      make(chan Task, buffer),
	}
}

// Start 启动 worker（只生效一次）
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		p.mu.Lock()
		p.ctx, p.cancel = context.WithCancel(ctx)
		p.mu.Unlock()

		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				for {
					select {
					case <-p.ctx.Done():
						return
					case task := <-p.ch:
						p.run(workerID, task)
					}
				}
			}(i)
		}
		log.Infof("任务池已启动 (workers=%d buffer=%d)", p.workers, cap(p.ch))
	})
}

func (p *Pool) run(workerID int, task Task) {
	if task.Do == nil {
		return
	}
	runCtx := p.ctx
	cancel := func() {}
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(p.ctx, task.Timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("任务 panic: worker=%d name=%s panic=%v", workerID, task.Name, r)
		}
	}()
	task.Do(runCtx)
}

// Submit 非阻塞提交；队列满时丢弃并返回 false
func (p *Pool) Submit(task Task) bool {
	select {
	case p.ch <- task:
		return true
	default:
		log.Warnf("任务池队列已满，丢弃任务: %s", task.Name)
		return false
	}
}

// Stop 停止任务池并等待 worker 退出；超时由 ctx 控制
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("停止任务池超时: %w", ctx.Err())
	}
}

// QueueLen 当前排队任务数
func (p *Pool) QueueLen() int {
	return len(p.ch)
}
