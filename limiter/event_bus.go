package limiter

import (
	"fmt"
	"sync"

	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"go.uber.org/zap"
)

type eventBus struct {
	listeners []EventListener
	eventChan chan Event
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *logger.CtxZapLogger
}

// NewEventBus creates an asynchronous event bus
func NewEventBus(bufferSize int, log *logger.CtxZapLogger) EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if log == nil {
		log = logger.Nop()
	}

	bus := &eventBus{
		listeners: make([]EventListener, 0),
		eventChan: make(chan Event, bufferSize),
		logger:    log,
	}

	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

func (b *eventBus) Subscribe(listener EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.listeners = append(b.listeners, listener)
}

func (b *eventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	select {
	case b.eventChan <- event:
	default:
		b.logger.Debug("event dropped, buffer full",
			zap.String("type", string(event.Type())),
			zap.String("resource", event.Resource()))
	}
}

func (b *eventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *eventBus) dispatch() {
	defer b.wg.Done()

	for event := range b.eventChan {
		b.mu.RLock()
		listeners := make([]EventListener, len(b.listeners))
		copy(listeners, b.listeners)
		b.mu.RUnlock()

		for _, listener := range listeners {
			b.notify(listener, event)
		}
	}
}

// notify isolates listener panics from the other listeners
func (b *eventBus) notify(listener EventListener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.String("type", string(event.Type())),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	listener.OnEvent(event)
}
