// Package syncbus broadcasts a viewport's camera state after each redraw so
// sibling viewports can follow it.
package syncbus

import (
	"image"
	"log"
	"sync"

	"github.com/tissuestack/viewer/internal/extent"
)

// ExtentSummary describes the sender's extent at the time of the message.
type ExtentSummary struct {
	Dims      extent.Dims `json:"dims"`
	OneToOne  extent.Dims `json:"one_to_one"`
	Orig      extent.Dims `json:"orig"`
	MaxSlices int         `json:"max_slices"`
	Step      int         `json:"step"`
}

// Message is the post-redraw camera state of one viewport.
type Message struct {
	DatasetID  string       `json:"dataset_id"`
	ViewportID string       `json:"viewport_id"`
	Epoch      uint64       `json:"epoch"`
	Plane      extent.Plane `json:"plane"`
	ZoomLevel  int          `json:"zoom_level"`
	Slice      int          `json:"slice"`
	// CrosshairPixel is the data pixel under the crosshair, Z being the slice.
	CrosshairPixel extent.Point3 `json:"crosshair_pixel"`
	Extent         ExtentSummary `json:"extent"`
	UpperLeft      image.Point   `json:"upper_left"`
	Crosshair      image.Point   `json:"crosshair"`
	ViewportDims   extent.Dims   `json:"viewport_dims"`
}

// Handler receives messages on the subscriber's own goroutine.
type Handler func(Message)

type subscriber struct {
	ch chan Message
}

// Bus fans messages out to subscribers. Delivery is asynchronous and never
// blocks the publisher: a subscriber whose buffer is full misses the message.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	buffer int
	closed bool
	wg     sync.WaitGroup
}

// New creates a bus with a per-subscriber buffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   make(map[string]*subscriber),
		buffer: buffer,
	}
}

// Subscribe registers h under id, replacing an earlier subscription with the
// same id. The returned function unsubscribes.
func (b *Bus) Subscribe(id string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	if old, ok := b.subs[id]; ok {
		close(old.ch)
	}

	s := &subscriber{ch: make(chan Message, b.buffer)}
	b.subs[id] = s
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range s.ch {
			h(msg)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[id]; ok && cur == s {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

// Publish delivers msg to every subscriber except its sender.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, s := range b.subs {
		if id == msg.ViewportID {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			log.Printf("[SyncBus] dropped message from %s for %s: buffer full", msg.ViewportID, id)
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops delivery and waits for handlers to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
