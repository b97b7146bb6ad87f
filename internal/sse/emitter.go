package sse

import (
	"context"
	"sync"

	"tabesh/internal/events"
)

// Emitter fans events out to connected SSE clients. A client subscribes
// either to every event (orderID 0) or to a single order.
type Emitter struct {
	mu      sync.RWMutex
	clients map[int64][]chan events.Event
}

func NewEmitter() *Emitter {
	return &Emitter{clients: make(map[int64][]chan events.Event)}
}

// Subscribe returns a channel that is closed once ctx is done.
func (e *Emitter) Subscribe(ctx context.Context, orderID int64) <-chan events.Event {
	clientChan := make(chan events.Event, 10)

	e.mu.Lock()
	e.clients[orderID] = append(e.clients[orderID], clientChan)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(orderID, clientChan)
	}()

	return clientChan
}

// Publish never blocks: a client whose buffer is full misses the event.
func (e *Emitter) Publish(_ context.Context, ev events.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	send := func(key int64) {
		for _, ch := range e.clients[key] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	send(0)
	if ev.OrderID != 0 {
		send(ev.OrderID)
	}
	return nil
}

func (e *Emitter) remove(orderID int64, clientChan chan events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[orderID]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[orderID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}
	if len(e.clients[orderID]) == 0 {
		delete(e.clients, orderID)
	}
}

// ClientCount returns the number of clients subscribed under orderID.
func (e *Emitter) ClientCount(orderID int64) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[orderID])
}
