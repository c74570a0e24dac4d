package event

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler 处理单个事件，返回错误不会影响其他订阅者。
type Handler func(ctx context.Context, ev Event) error

// Bus 是进程内异步发布/订阅总线。
//
// Publish 不阻塞发布方；单个分发协程按入队顺序逐个取事件，
// 并发调用该事件类型的全部订阅者，等全部返回后再处理下一个事件。
// 同一生产者的事件因此不会被乱序投递。
type Bus struct {
	logger *zap.Logger

	mu       sync.Mutex
	queue    []Event
	notify   chan struct{}
	handlers map[Kind][]Handler

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBus 创建事件总线。
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:   logger,
		notify:   make(chan struct{}, 1),
		handlers: make(map[Kind][]Handler),
	}
}

// Subscribe 注册订阅者，必须在 Start 之前调用。
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		b.logger.Warn("总线启动后注册的订阅者将被忽略", zap.String("kind", string(kind)))
		return
	}
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish 将事件入队，永不阻塞发布方。
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Start 启动分发循环。
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.dispatchLoop(loopCtx)
}

// Stop 取消分发循环并等待其退出，已在执行中的订阅者允许跑完。
func (b *Bus) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.done)

	for {
		ev, ok := b.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.notify:
				continue
			}
		}

		if ctx.Err() != nil {
			return
		}
		b.dispatch(ctx, ev)
	}
}

func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	ev := b.queue[0]
	b.queue = b.queue[1:]
	return ev, true
}

// dispatch 并发调用该事件的全部订阅者，单个订阅者的错误或panic
// 只记录日志，不影响其余订阅者，也不中断总线。
func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.Lock()
	handlers := b.handlers[ev.Kind()]
	b.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("事件订阅者panic",
						zap.String("kind", string(ev.Kind())),
						zap.String("panic", fmt.Sprint(r)),
					)
				}
			}()
			if err := h(ctx, ev); err != nil {
				b.logger.Warn("事件订阅者处理失败",
					zap.String("kind", string(ev.Kind())),
					zap.Error(err),
				)
			}
		}(h)
	}
	wg.Wait()
}
