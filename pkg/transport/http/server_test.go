package http

import (
	"context"
	"errors"
	"io"
	"net"
	gohttp "net/http"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/transport"
)

func echoHandler(text string) transport.ChatHandler {
	return transport.ChatHandlerFunc(func(ctx context.Context, req *api.ChatRequest, w transport.StreamWriter) error {
		if err := w.Open(ctx, req.Framing); err != nil {
			return err
		}
		if err := w.WriteIncrement(ctx, api.Increment(text)); err != nil {
			return err
		}
		return w.Finish(ctx)
	})
}

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	return ln, ln.Addr().String()
}

func TestServerStartsAndAcceptsRequests(t *testing.T) {
	srv := NewServer(echoHandler("pong"), WithAddr("127.0.0.1:0"))
	ln, addr := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, ln) }()
	time.Sleep(50 * time.Millisecond)

	resp, err := gohttp.Post("http://"+addr+"/api/chat", "application/json",
		strings.NewReader(`{"message":"ping"}`))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != gohttp.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, gohttp.StatusOK)
	}
	if string(body) != "data: pong\n\ndata: [DONE]\n\n" {
		t.Errorf("body = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	slow := transport.ChatHandlerFunc(func(ctx context.Context, req *api.ChatRequest, w transport.StreamWriter) error {
		if err := w.Open(ctx, req.Framing); err != nil {
			return err
		}
		select {
		case <-time.After(200 * time.Millisecond):
			w.WriteIncrement(ctx, "late")
			return w.Finish(ctx)
		case <-ctx.Done():
			return nil
		}
	})

	srv := NewServer(slow, WithShutdownTimeout(5*time.Second))
	ln, addr := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx, ln)
	time.Sleep(50 * time.Millisecond)

	bodyCh := make(chan string, 1)
	go func() {
		resp, err := gohttp.Post("http://"+addr+"/api/chat", "application/json",
			strings.NewReader(`{"message":"hi"}`))
		if err != nil {
			bodyCh <- ""
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		bodyCh <- string(b)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	if got := <-bodyCh; got != "data: late\n\ndata: [DONE]\n\n" {
		t.Errorf("slow stream body = %q, want completed stream", got)
	}
}

func TestServerShutdownCancelsLeftoverStreams(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	stuck := transport.ChatHandlerFunc(func(ctx context.Context, req *api.ChatRequest, w transport.StreamWriter) error {
		w.Open(ctx, req.Framing)
		close(started)
		<-ctx.Done()
		if !errors.Is(context.Cause(ctx), transport.ErrServerShutdown) {
			t.Errorf("cause = %v, want ErrServerShutdown", context.Cause(ctx))
		}
		close(stopped)
		return nil
	})

	srv := NewServer(stuck, WithShutdownTimeout(100*time.Millisecond))
	ln, addr := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx, ln)
	time.Sleep(50 * time.Millisecond)

	go func() {
		resp, err := gohttp.Post("http://"+addr+"/api/chat", "application/json",
			strings.NewReader(`{"message":"hi"}`))
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()

	<-started
	cancel()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not cancelled on shutdown")
	}
}

func TestServerFunctionalOptions(t *testing.T) {
	srv := NewServer(echoHandler(""),
		WithAddr(":9999"),
		WithMaxBodySize(1024),
		WithShutdownTimeout(10*time.Second),
		WithTimeouts(5*time.Second, 0),
	)

	if srv.config.Addr != ":9999" {
		t.Errorf("addr = %q, want %q", srv.config.Addr, ":9999")
	}
	if srv.config.Adapter.MaxBodySize != 1024 {
		t.Errorf("max body size = %d, want %d", srv.config.Adapter.MaxBodySize, 1024)
	}
	if srv.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown timeout = %v, want %v", srv.config.ShutdownTimeout, 10*time.Second)
	}
	if srv.httpServer.ReadTimeout != 5*time.Second || srv.httpServer.WriteTimeout != 0 {
		t.Errorf("timeouts = %v/%v", srv.httpServer.ReadTimeout, srv.httpServer.WriteTimeout)
	}
}
