// Package events fans handshake events out to the configured sinks.
package events

import (
	"sync"
	"sync/atomic"

	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"

	"github.com/golang/glog"
)

// Sink consumes events delivered by a Dispatcher. Write is called from a
// single goroutine.
type Sink interface {
	Name() string
	Write(ev model.Event) error
	Close() error
}

// Dispatcher is an EventSink that queues events and hands them to every
// sink from one goroutine. Emit never blocks; events that do not fit in
// the queue are counted and dropped.
type Dispatcher struct {
	sinks    []Sink
	queue    chan model.Event
	counters *metrics.Counters

	closed atomic.Bool
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a queue of size events.
func NewDispatcher(size int, counters *metrics.Counters, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	if counters == nil {
		counters = metrics.New("natpeer", metrics.All...)
	}
	return &Dispatcher{sinks: sinks, queue: make(chan model.Event, size), counters: counters}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	for _, s := range d.sinks {
		glog.Infof("event sink %q started", s.Name())
	}
}

// Emit implements model.EventSink.
func (d *Dispatcher) Emit(ev model.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		d.counters.Inc(metrics.EventsDropped)
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.counters.Inc(metrics.EventsDropped)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		for _, s := range d.sinks {
			if err := s.Write(ev); err != nil {
				glog.Warningf("event sink %q: %v", s.Name(), err)
			}
		}
	}
}

// Close drains the queue and closes every sink.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed.Swap(true) {
		d.mu.Unlock()
		return
	}
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			glog.Warningf("event sink %q close: %v", s.Name(), err)
		}
	}
}
