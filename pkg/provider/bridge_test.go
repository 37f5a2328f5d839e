package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func drain(t *testing.T, s Stream) ([]string, error) {
	t.Helper()
	var got []string
	for {
		inc, err := s.Recv()
		if err != nil {
			return got, err
		}
		got = append(got, string(inc))
	}
}

func TestBridge_DeliversInOrder(t *testing.T) {
	tokens := []string{"Hel", "lo", ", ", "world"}
	b := NewBridge(context.Background(), "test", 1, func(_ context.Context, emit Emit) error {
		for _, tok := range tokens {
			if err := emit(tok); err != nil {
				return err
			}
		}
		return nil
	})
	defer b.Close()

	got, err := drain(t, b)
	if err != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", err)
	}
	if strings.Join(got, "|") != strings.Join(tokens, "|") {
		t.Errorf("got %q, want %q", got, tokens)
	}

	// Further calls keep reporting the end.
	if _, err := b.Recv(); err != io.EOF {
		t.Errorf("Recv after end = %v, want io.EOF", err)
	}
}

func TestBridge_EndMarkerCannotCollideWithContent(t *testing.T) {
	b := NewBridge(context.Background(), "test", 4, func(_ context.Context, emit Emit) error {
		for _, tok := range []string{"", "[DONE]", "after"} {
			if err := emit(tok); err != nil {
				return err
			}
		}
		return nil
	})
	defer b.Close()

	got, err := drain(t, b)
	if err != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", err)
	}
	if len(got) != 3 || got[1] != "[DONE]" || got[2] != "after" {
		t.Errorf("got %q, want all three items delivered", got)
	}
}

func TestBridge_ProducerErrorAfterIncrements(t *testing.T) {
	boom := errors.New("upstream reset")
	b := NewBridge(context.Background(), "test", 1, func(_ context.Context, emit Emit) error {
		_ = emit("a")
		_ = emit("b")
		return boom
	})
	defer b.Close()

	got, err := drain(t, b)
	if len(got) != 2 {
		t.Errorf("got %d increments, want 2", len(got))
	}
	var gf *GenerationFailure
	if !errors.As(err, &gf) {
		t.Fatalf("terminal error = %v, want *GenerationFailure", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("failure should wrap the producer error, got %v", err)
	}
	if gf.Provider != "test" {
		t.Errorf("Provider = %q, want test", gf.Provider)
	}
}

func TestBridge_ProducerPanicBecomesFailure(t *testing.T) {
	b := NewBridge(context.Background(), "test", 1, func(_ context.Context, emit Emit) error {
		_ = emit("partial")
		panic("index out of range")
	})
	defer b.Close()

	got, err := drain(t, b)
	if len(got) != 1 {
		t.Errorf("got %d increments, want 1", len(got))
	}
	if !IsGenerationFailure(err) {
		t.Fatalf("terminal error = %v, want GenerationFailure", err)
	}
	if !strings.Contains(err.Error(), "index out of range") {
		t.Errorf("error %q should mention the panic value", err)
	}
}

func TestBridge_BackpressureBoundsProducer(t *testing.T) {
	var emitted atomic.Int32
	b := NewBridge(context.Background(), "test", 1, func(_ context.Context, emit Emit) error {
		for i := 0; i < 10; i++ {
			if err := emit("x"); err != nil {
				return err
			}
			emitted.Add(1)
		}
		return nil
	})
	defer b.Close()

	// Nothing is consumed: the producer can fill the queue and then blocks.
	time.Sleep(50 * time.Millisecond)
	if n := emitted.Load(); n > 2 {
		t.Errorf("producer ran ahead by %d items with queue size 1", n)
	}
}

func TestBridge_CloseStopsProducer(t *testing.T) {
	stopped := make(chan error, 1)
	b := NewBridge(context.Background(), "test", 1, func(ctx context.Context, emit Emit) error {
		for {
			if err := emit("tick"); err != nil {
				stopped <- err
				return err
			}
		}
	})

	if _, err := b.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("emit error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer did not stop after Close")
	}

	// Close is idempotent.
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestFail(t *testing.T) {
	cause := errors.New("boom")
	err := Fail("openai", cause)
	if !IsGenerationFailure(err) || !errors.Is(err, cause) {
		t.Fatalf("Fail() = %v, want GenerationFailure wrapping cause", err)
	}
	if again := Fail("other", err); again != err {
		t.Error("Fail should not rewrap an existing GenerationFailure")
	}
	if err.Error() != "boom" {
		t.Errorf("Error() = %q, want boom", err.Error())
	}
	if IsGenerationFailure(cause) {
		t.Error("plain error reported as GenerationFailure")
	}
}
