package events

import "sync"

// EventHandler is a callback invoked with published event data.
type EventHandler[T any] func(T)

// EventEmitter delivers events of type T to its subscribers in subscription order. Publish may be called from several
// fuzzing workers at once; handlers must therefore be safe for concurrent use.
type EventEmitter[T any] struct {
	lock          sync.RWMutex
	subscriptions []EventHandler[T]
}

// Subscribe registers a callback for every subsequently published event.
func (e *EventEmitter[T]) Subscribe(callback EventHandler[T]) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.subscriptions = append(e.subscriptions, callback)
}

// Publish invokes every subscribed handler with the event.
func (e *EventEmitter[T]) Publish(event T) {
	e.lock.RLock()
	subscriptions := e.subscriptions
	e.lock.RUnlock()

	for _, subscription := range subscriptions {
		subscription(event)
	}
}

// SubscriberCount returns the number of registered handlers.
func (e *EventEmitter[T]) SubscriberCount() int {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return len(e.subscriptions)
}
