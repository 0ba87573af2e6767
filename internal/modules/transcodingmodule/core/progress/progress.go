// Package progress turns ffmpeg's textual output into monotonic progress
// updates and delivers them through bounded channels.
//
// Example ffmpeg status line:
//
//	frame= 1234 fps=25.0 q=28.0 size=  10240kB time=00:00:51.20 bitrate=1638.4kbits/s speed=1.05x
package progress

import (
	"context"
	"regexp"
	"strconv"
	"sync"

	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

var timeRegex = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// ParseTime extracts the `time=HH:MM:SS.ff` marker of a status line as
// seconds.
func ParseTime(line string) (float64, bool) {
	m := timeRegex.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	return float64(hours*3600+mins*60) + secs, true
}

// Stages are the percentages progress is reported at to end users.
var Stages = []int{0, 12, 43, 50, 67, 79, 80, 85, 99, 100}

// SnapStage rounds percent down to the nearest stage.
func SnapStage(percent int) int {
	stage := Stages[0]
	for _, s := range Stages {
		if percent >= s {
			stage = s
		}
	}
	return stage
}

// Sink receives progress updates. Send must not block.
type Sink interface {
	Send(update types.ProgressUpdate)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(types.ProgressUpdate)

// Send calls f.
func (f SinkFunc) Send(u types.ProgressUpdate) { f(u) }

// Discard drops every update.
var Discard Sink = SinkFunc(func(types.ProgressUpdate) {})

// DefaultBuffer is the reporter's default channel capacity.
const DefaultBuffer = 16

// Reporter is a Sink backed by a bounded channel. When the consumer falls
// behind the oldest queued update is dropped, so the newest state is never
// lost and the encoder never waits on a slow reader.
type Reporter struct {
	mu     sync.Mutex
	ch     chan types.ProgressUpdate
	closed bool
}

// NewReporter creates a reporter with the given buffer size.
func NewReporter(buffer int) *Reporter {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Reporter{ch: make(chan types.ProgressUpdate, buffer)}
}

// Updates returns the receive side. It is closed by Close.
func (r *Reporter) Updates() <-chan types.ProgressUpdate {
	return r.ch
}

// Send enqueues u without blocking. Sends after Close are ignored.
func (r *Reporter) Send(u types.ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for {
		select {
		case r.ch <- u:
			return
		default:
		}
		select {
		case <-r.ch:
		default:
		}
	}
}

// Close closes the updates channel. Safe to call more than once.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}

// Broadcaster is a Sink that fans updates out to any number of subscribers.
// Each subscriber reads from its own Reporter, so a slow reader only loses
// its own stale updates. A new subscriber first receives the latest update.
type Broadcaster struct {
	buffer int

	mu     sync.Mutex
	subs   map[*Reporter]struct{}
	last   *types.ProgressUpdate
	closed bool
	done   chan struct{}
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// buffer updates each.
func NewBroadcaster(buffer int) *Broadcaster {
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[*Reporter]struct{}),
		done:   make(chan struct{}),
	}
}

// Send delivers u to every current subscriber without blocking.
func (b *Broadcaster) Send(u types.ProgressUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = &u
	for r := range b.subs {
		r.Send(u)
	}
}

// Subscribe returns a new update stream. It is closed when the broadcaster
// closes or ctx ends, whichever comes first. Subscribing after Close
// yields an already closed stream.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan types.ProgressUpdate {
	r := NewReporter(b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		r.Close()
		return r.Updates()
	}
	if b.last != nil {
		r.Send(*b.last)
	}
	b.subs[r] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(r)
		case <-b.done:
		}
	}()
	return r.Updates()
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) unsubscribe(r *Reporter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[r]; ok {
		delete(b.subs, r)
		r.Close()
	}
}

// Close ends every subscription. Safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for r := range b.subs {
		r.Close()
	}
	b.subs = nil
}

// Tracker converts status lines of one encode into updates. Percent never
// decreases and stays below 100 until Complete.
type Tracker struct {
	ctx      context.Context
	duration float64
	sink     Sink

	mu   sync.Mutex
	last int
	done bool
}

// NewTracker creates a tracker for an encode of duration seconds. Updates
// stop once ctx is done.
func NewTracker(ctx context.Context, duration float64, sink Sink) *Tracker {
	if sink == nil {
		sink = Discard
	}
	return &Tracker{ctx: ctx, duration: duration, sink: sink}
}

// Observe feeds one output line. It reports whether an update was emitted.
func (t *Tracker) Observe(line string) bool {
	if t.duration <= 0 || t.ctx.Err() != nil {
		return false
	}
	cur, ok := ParseTime(line)
	if !ok {
		return false
	}
	percent := int(cur / t.duration * 100)
	if percent > 99 {
		percent = 99
	}

	t.mu.Lock()
	if t.done || percent < t.last+1 {
		t.mu.Unlock()
		return false
	}
	t.last = percent
	t.mu.Unlock()

	eta := t.duration - cur
	if eta < 0 {
		eta = 0
	}
	t.sink.Send(types.ProgressUpdate{
		Percent:        percent,
		CurrentSeconds: cur,
		ETASeconds:     eta,
		Stage:          SnapStage(percent),
	})
	return true
}

// Percent returns the last emitted percentage.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Complete emits the final 100% update once.
func (t *Tracker) Complete() {
	if t.ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.last = 100
	t.mu.Unlock()

	t.sink.Send(types.ProgressUpdate{
		Percent:        100,
		CurrentSeconds: t.duration,
		Stage:          100,
	})
}
