// Package progress renders live per-collection counters during a crawl and
// keeps log output from corrupting the display.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	pp "github.com/jedib0t/go-pretty/v6/progress"
)

// Tracker maintains named counters rendered as live progress bars with
// rolling throughput. While started, it installs itself as the default slog
// sink so console output routes through the renderer.
type Tracker struct {
	mu       sync.Mutex
	pw       pp.Writer
	trackers map[string]*pp.Tracker
	prev     *slog.Logger
	started  bool
}

// New creates a tracker writing to stderr.
func New() *Tracker {
	pw := pp.NewWriter()
	pw.SetOutputWriter(os.Stderr)
	pw.SetUpdateFrequency(250 * time.Millisecond)
	pw.SetTrackerLength(25)
	pw.SetSortBy(pp.SortByMessage)
	pw.Style().Visibility.Speed = true
	pw.Style().Visibility.ETA = false
	pw.Style().Visibility.Value = true
	return &Tracker{
		pw:       pw,
		trackers: make(map[string]*pp.Tracker),
	}
}

// Start begins rendering and redirects the default logger through the
// display.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.prev = slog.Default()
	slog.SetDefault(slog.New(&writerHandler{pw: t.pw, level: slog.LevelInfo}))
	go t.pw.Render()
}

// Stop halts rendering and restores the previous default logger. Safe to
// call more than once and on all exit paths.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	t.started = false
	for _, tr := range t.trackers {
		tr.MarkAsDone()
	}
	t.pw.Stop()
	slog.SetDefault(t.prev)
}

// isStarted reports whether the display currently owns the console.
func (t *Tracker) isStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Logger returns a logger bound to the tracker's state: while the display
// runs, records route through it so the bars stay intact; otherwise they go
// to fallback. Components can hold the returned logger for their whole
// lifetime and still follow Start/Stop.
func (t *Tracker) Logger(fallback slog.Handler) *slog.Logger {
	return slog.New(&routingHandler{
		t:        t,
		live:     &writerHandler{pw: t.pw, level: slog.LevelInfo},
		fallback: fallback,
	})
}

// routingHandler is the mutex-guarded sink behind Logger.
type routingHandler struct {
	t        *Tracker
	live     slog.Handler
	fallback slog.Handler
}

func (h *routingHandler) pick() slog.Handler {
	if h.t.isStarted() {
		return h.live
	}
	return h.fallback
}

func (h *routingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.pick().Enabled(ctx, level)
}

func (h *routingHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.pick().Handle(ctx, r)
}

func (h *routingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &routingHandler{t: h.t, live: h.live.WithAttrs(attrs), fallback: h.fallback.WithAttrs(attrs)}
}

func (h *routingHandler) WithGroup(name string) slog.Handler {
	return &routingHandler{t: h.t, live: h.live.WithGroup(name), fallback: h.fallback.WithGroup(name)}
}

// Add increments the named counter, creating its bar on first use.
func (t *Tracker) Add(name string, delta int64) {
	t.mu.Lock()
	tr, ok := t.trackers[name]
	if !ok {
		tr = &pp.Tracker{Message: name, Units: pp.UnitsDefault}
		t.trackers[name] = tr
		t.pw.AppendTracker(tr)
	}
	t.mu.Unlock()
	tr.Increment(delta)
}

// Counts returns a snapshot of all counters.
func (t *Tracker) Counts() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.trackers))
	for name, tr := range t.trackers {
		out[name] = tr.Value()
	}
	return out
}

// Summary renders the final counter values as a single line.
func (t *Tracker) Summary() string {
	counts := t.Counts()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[name]))
	}
	return strings.Join(parts, " ")
}

// writerHandler is an slog handler that emits through the progress writer's
// log channel so records interleave cleanly with the bars.
type writerHandler struct {
	pw    pp.Writer
	level slog.Level
	attrs []slog.Attr
}

func (h *writerHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *writerHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Level.String())
	b.WriteString(" ")
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	h.pw.Log("%s", b.String())
	return nil
}

func (h *writerHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &writerHandler{pw: h.pw, level: h.level, attrs: append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)}
}

func (h *writerHandler) WithGroup(string) slog.Handler {
	return h
}
