package task

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

type queueItem struct {
	taskID   string
	priority int
	seq      uint64
}

// queueHeap 按优先级从高到低排序，同优先级按入队顺序先进先出。
type queueHeap []queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryQueue 使用堆实现的进程内优先级队列，主要用于测试与单机部署。
type MemoryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  queueHeap
	seq    uint64
	closed bool
}

// NewMemoryQueue 创建一个内存优先级队列。
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Publish 将任务投递到队列。
func (q *MemoryQueue) Publish(_ context.Context, taskID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("队列已关闭")
	}
	q.seq++
	heap.Push(&q.items, queueItem{taskID: taskID, priority: priority, seq: q.seq})
	q.cond.Signal()
	return nil
}

// pop 阻塞等待下一个任务，队列关闭或上下文取消时返回 false。
func (q *MemoryQueue) pop(ctx context.Context) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed || ctx.Err() != nil {
			return "", false
		}
		q.cond.Wait()
	}
	item := heap.Pop(&q.items).(queueItem)
	return item.taskID, true
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}

	// 上下文取消时唤醒所有等待中的消费者。
	go func() {
		<-ctx.Done()
		q.cond.Broadcast()
	}()

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				taskID, ok := q.pop(ctx)
				if !ok {
					return
				}
				_ = handler(ctx, taskID)
			}
		}()
	}
	<-ctx.Done()
	q.cond.Broadcast()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列并唤醒全部消费者。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
