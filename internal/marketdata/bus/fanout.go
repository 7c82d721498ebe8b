// Package bus fans one event stream out to several independent consumers.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FanOut broadcasts values from a single input channel to N output channels.
// If an output channel is full, the value is dropped for that consumer to
// prevent a slow consumer from blocking the pipeline.
type FanOut[T any] struct {
	mu      sync.RWMutex
	outputs []chan T
	names   []string
	keep    []func(T) bool
	bufSize int

	// OnDrop is called when a value is dropped for a subscriber.
	OnDrop func(subscriber string)
}

// New creates a FanOut with the given buffer size for output channels.
func New[T any](outputBufferSize int) *FanOut[T] {
	return &FanOut[T]{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new output channel. name labels the
// subscriber in drop reports.
func (f *FanOut[T]) Subscribe(name string) <-chan T {
	return f.SubscribeFunc(name, nil)
}

// SubscribeFunc is Subscribe with a filter: only values for which keep
// returns true are delivered. A nil keep accepts everything.
func (f *FanOut[T]) SubscribeFunc(name string, keep func(T) bool) <-chan T {
	ch := make(chan T, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.names = append(f.names, name)
	f.keep = append(f.keep, keep)
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed, then closes every
// output channel.
func (f *FanOut[T]) Run(ctx context.Context, input <-chan T) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				if keep := f.keep[i]; keep != nil && !keep(v) {
					continue
				}
				select {
				case ch <- v:
				default:
					if f.OnDrop != nil {
						f.OnDrop(f.names[i])
					} else {
						slog.Warn("output channel full, dropping event", "component", "bus", "subscriber", f.names[i])
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat reports queue depth for one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// Fill is the fraction of the channel buffer in use.
func (s ChannelStat) Fill() float64 {
	if s.Cap == 0 {
		return 0
	}
	return float64(s.Len) / float64(s.Cap)
}

// ReportStats calls fn with the current channel stats every interval
// until ctx is cancelled.
func (f *FanOut[T]) ReportStats(ctx context.Context, every time.Duration, fn func([]ChannelStat)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(f.ChannelStats())
		}
	}
}

func (f *FanOut[T]) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Name: f.names[i], Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
