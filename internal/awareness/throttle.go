package awareness

import (
	"sync"
	"time"
)

const DefaultPointerInterval = 10 * time.Millisecond

// PointerThrottle forwards at most one pointer position per interval. The
// last position seen during a window is delivered when the window closes;
// earlier ones are dropped.
type PointerThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	send     func(Pointer)
	latest   Pointer
	timer    *time.Timer
	stopped  bool
}

func NewPointerThrottle(interval time.Duration, send func(Pointer)) *PointerThrottle {
	if interval <= 0 {
		interval = DefaultPointerInterval
	}
	return &PointerThrottle{interval: interval, send: send}
}

func (p *PointerThrottle) Move(pointer Pointer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.latest = pointer.clamp()
	if p.timer == nil {
		p.timer = time.AfterFunc(p.interval, p.fire)
	}
}

func (p *PointerThrottle) fire() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	pointer := p.latest
	p.timer = nil
	p.mu.Unlock()
	p.send(pointer)
}

// Stop drops any pending position.
func (p *PointerThrottle) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
