package audit

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// flushInterval is how often buffered events are sent to the sinks.
	flushInterval = 50 * time.Millisecond
	// defaultBufferSize is the event channel capacity.
	defaultBufferSize = 1000
)

// Pipeline buffers recorded events and fans them out to sinks in batches.
// Record never blocks: when the buffer is full the event is dropped and
// counted, so a slow sink cannot stall a scheduling decision.
type Pipeline struct {
	sinks   []Sink
	events  chan Event
	dropped atomic.Uint64

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	wg      sync.WaitGroup
}

// NewPipeline creates a pipeline over the given sinks. A non-positive size
// falls back to the default buffer capacity.
func NewPipeline(size int, sinks ...Sink) *Pipeline {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Pipeline{
		sinks:  sinks,
		events: make(chan Event, size),
	}
}

// Start brings up every sink and begins dispatching. If a sink fails to
// start, the ones already started are stopped again and the error is
// returned.
func (p *Pipeline) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}

	for i, s := range p.sinks {
		if err := s.Start(); err != nil {
			for j := 0; j < i; j++ {
				_ = p.sinks[j].Stop()
			}
			p.started.Store(false)
			return err
		}
	}

	p.wg.Add(1)
	go p.dispatch()
	return nil
}

// Record queues an event for delivery. A zero Time is stamped with the
// current time. Events recorded after Stop, or while the buffer is full,
// are dropped.
func (p *Pipeline) Record(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}

	select {
	case p.events <- event:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was
// full or the pipeline was stopped.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// Stop drains the buffer, flushes the sinks and shuts them down.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	p.wg.Wait()

	for _, s := range p.sinks {
		_ = s.Stop()
	}
}

func (p *Pipeline) dispatch() {
	defer p.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	buffer := make([]Event, 0, cap(p.events))
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		for _, s := range p.sinks {
			s.Write(buffer)
		}
		buffer = make([]Event, 0, cap(p.events))
	}

	for {
		select {
		case event, ok := <-p.events:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, event)
		case <-ticker.C:
			flush()
		}
	}
}
