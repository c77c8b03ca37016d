// Package events fans commit notifications out to asynchronous subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"inkwell/engine/internal/logging"
	"inkwell/engine/internal/metrics"
	"inkwell/engine/internal/store"
)

type CommitEvent struct {
	ID          string           `json:"id"`
	Project     store.ProjectRef `json:"project"`
	Branch      string           `json:"branch"`
	Head        string           `json:"head"`
	ParentHash  string           `json:"parentHash"`
	Author      string           `json:"author"`
	ContentSize int64            `json:"contentSize"`
	At          time.Time        `json:"at"`
}

type Handler func(ctx context.Context, ev CommitEvent)

// Bus delivers events to subscribers from a single worker. Publish never
// blocks: when the buffer is full the event is dropped and counted.
type Bus struct {
	mu       sync.RWMutex
	closed   bool
	queue    chan CommitEvent
	handlers []Handler
	done     chan struct{}
	logger   *zap.Logger
}

func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	b := &Bus{
		queue:  make(chan CommitEvent, buffer),
		done:   make(chan struct{}),
		logger: logging.OrNop(logger),
	}
	go b.run()
	return b
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish reports whether the event was queued.
func (b *Bus) Publish(ev CommitEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		metrics.RecordEventDropped()
		return false
	}
	select {
	case b.queue <- ev:
		return true
	default:
		metrics.RecordEventDropped()
		b.logger.Warn("commit event dropped",
			zap.String("project", ev.Project.Key()),
			zap.String("branch", ev.Branch),
			zap.String("head", ev.Head),
		)
		return false
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for ev := range b.queue {
		b.mu.RLock()
		handlers := append([]Handler(nil), b.handlers...)
		b.mu.RUnlock()
		for _, h := range handlers {
			b.deliver(h, ev)
		}
	}
}

func (b *Bus) deliver(h Handler, ev CommitEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("commit event handler panicked",
				zap.String("project", ev.Project.Key()),
				zap.Any("panic", r),
			)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h(ctx, ev)
}
