package presence

import (
	"context"
	"sync"
	"time"
)

// TypingIdle is how long after the last keystroke the typing entry clears.
const TypingIdle = 2 * time.Second

// TypingSink is the subset of Session a Debouncer drives.
type TypingSink interface {
	SetTyping(ctx context.Context, gid string) error
	ClearTyping(ctx context.Context, gid string) error
}

// Debouncer turns a stream of keystrokes in one group into a single typing
// entry that clears after TypingIdle of silence. Lost updates are harmless
// here, so write errors are dropped.
type Debouncer struct {
	sink  TypingSink
	gid   string
	delay time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	active bool
}

func NewDebouncer(sink TypingSink, gid string, delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = TypingIdle
	}
	return &Debouncer{sink: sink, gid: gid, delay: delay}
}

func (d *Debouncer) Keystroke(ctx context.Context) {
	d.mu.Lock()
	start := !d.active
	d.active = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.expire)
	d.mu.Unlock()

	if start {
		_ = d.sink.SetTyping(ctx, d.gid)
	}
}

// Blur clears immediately, as does Sent.
func (d *Debouncer) Blur(ctx context.Context) { d.clear(ctx) }

func (d *Debouncer) Sent(ctx context.Context) { d.clear(ctx) }

// Stop cancels a pending timer without writing.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.active = false
}

func (d *Debouncer) expire() {
	d.clear(context.Background())
}

func (d *Debouncer) clear(ctx context.Context) {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	was := d.active
	d.active = false
	d.mu.Unlock()

	if was {
		_ = d.sink.ClearTyping(ctx, d.gid)
	}
}
