package reconcile

import (
	"sync"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

const DefaultTypingIdle = 2 * time.Second

// EmitFunc sends a typing or stop_typing signal for chatID. It is called with
// the debouncer's lock held and must not call back into the debouncer.
type EmitFunc func(t model.EventType, chatID string)

type pending struct {
	timer *time.Timer
	gen   uint64
}

// TypingDebouncer collapses keystrokes into one typing signal per burst and
// a stop_typing once the input has been idle for the configured delay.
type TypingDebouncer struct {
	mu     sync.Mutex
	idle   time.Duration
	emit   EmitFunc
	active map[string]*pending
	closed bool
}

func NewTypingDebouncer(idle time.Duration, emit EmitFunc) *TypingDebouncer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingDebouncer{idle: idle, emit: emit, active: make(map[string]*pending)}
}

// Keystroke signals input in chatID. The first keystroke of a burst emits
// typing; every keystroke pushes the stop back by the idle delay.
func (d *TypingDebouncer) Keystroke(chatID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	p, ok := d.active[chatID]
	if !ok {
		p = &pending{}
		d.active[chatID] = p
		d.emit(model.EventTyping, chatID)
	} else {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(d.idle, func() { d.expire(chatID, gen) })
}

// Stop ends the burst in chatID now, for example when the message is sent.
func (d *TypingDebouncer) Stop(chatID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.active[chatID]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(d.active, chatID)
	d.emit(model.EventStopTyping, chatID)
}

// Close cancels every pending stop without emitting.
func (d *TypingDebouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, p := range d.active {
		p.timer.Stop()
		delete(d.active, id)
	}
}

func (d *TypingDebouncer) expire(chatID string, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.active[chatID]
	if !ok || p.gen != gen {
		return
	}
	delete(d.active, chatID)
	d.emit(model.EventStopTyping, chatID)
}
