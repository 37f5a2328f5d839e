package provider

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Emit hands one increment from a producer to the bridge. It blocks while the
// queue is full and returns an error once the consumer went away.
type Emit func(text string) error

// Producer pushes increments through emit and returns when generation ends.
// A nil return marks normal completion; any other error becomes a failure.
type Producer func(ctx context.Context, emit Emit) error

type itemKind int

const (
	itemText itemKind = iota
	itemEnd
	itemErr
)

// item is a tagged queue entry. End of stream has its own tag so no content
// value can be mistaken for it.
type item struct {
	kind itemKind
	text string
	err  error
}

// Bridge adapts a push-style producer to the pull Stream interface. It runs
// the producer on one goroutine and hands items to one consumer through a
// bounded channel. Producer errors and panics are delivered as failures.
type Bridge struct {
	provider string
	items    chan item
	cancel   context.CancelFunc
	done     chan struct{}

	closeOnce sync.Once

	// terminal holds the error returned by every Recv after the end or
	// failure item was consumed.
	terminal error
}

// NewBridge starts produce and returns the consuming side. queueSize bounds
// how many increments may be buffered ahead of the consumer; values below 1
// are treated as 1.
func NewBridge(ctx context.Context, provider string, queueSize int, produce Producer) *Bridge {
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		provider: provider,
		items:    make(chan item, queueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.run(ctx, produce)
	return b
}

func (b *Bridge) run(ctx context.Context, produce Producer) {
	defer close(b.done)

	send := func(it item) error {
		select {
		case b.items <- it:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("producer panic: %v", r)
			}
		}()
		err = produce(ctx, func(text string) error {
			return send(item{kind: itemText, text: text})
		})
	}()

	if err != nil {
		_ = send(item{kind: itemErr, err: Fail(b.provider, err)})
		return
	}
	_ = send(item{kind: itemEnd})
}

// Recv returns the next increment, io.EOF after the end item, or the
// producer's failure.
func (b *Bridge) Recv() (api.Increment, error) {
	if b.terminal != nil {
		return "", b.terminal
	}

	var it item
	select {
	case it = <-b.items:
	case <-b.done:
		// The producer may have queued its last item right before exiting.
		select {
		case it = <-b.items:
		default:
			b.terminal = Failf(b.provider, "producer stopped without completing the stream")
			return "", b.terminal
		}
	}

	switch it.kind {
	case itemText:
		return api.Increment(it.text), nil
	case itemEnd:
		b.terminal = io.EOF
	default:
		b.terminal = it.err
	}
	return "", b.terminal
}

// Close cancels the producer and waits for its goroutine to exit.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done
	})
	return nil
}
