package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ytrstu/rfoo/client"
	"github.com/ytrstu/rfoo/handler"
	"github.com/ytrstu/rfoo/registry"
)

// num converts a decoded argument to float64. Arguments ride as JSON, so
// every number arrives as float64 regardless of what the caller passed.
func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func arithFactory(addr net.Addr) handler.Handler {
	m, err := handler.NewMap(map[string]handler.Func{
		"add": func(args []any, kwargs map[string]any) (any, error) {
			return num(args[0]) + num(args[1]), nil
		},
		"greet": func(args []any, kwargs map[string]any) (any, error) {
			name, ok := kwargs["name"].(string)
			if !ok {
				return nil, errors.New("greet: missing kwarg 'name'")
			}
			return "hello " + name, nil
		},
		"fail": func(args []any, kwargs map[string]any) (any, error) {
			return nil, errors.New("deliberate failure")
		},
		"boom": func(args []any, kwargs map[string]any) (any, error) {
			panic("deliberate panic")
		},
	})
	if err != nil {
		panic(err)
	}
	return m
}

func startServer(t *testing.T, addr string, opts ...Option) *Server {
	t.Helper()
	svr := NewServer(arithFactory, opts...)
	go svr.Serve("tcp", addr)
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	time.Sleep(100 * time.Millisecond)
	return svr
}

func TestServerCall(t *testing.T) {
	startServer(t, "127.0.0.1:18081")

	cli, err := client.DialAddr("127.0.0.1:18081")
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	result, err := cli.Call("add", 2, 3)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if result != float64(5) {
		t.Fatalf("expect 5, got %v", result)
	}
}

func TestServerKwargs(t *testing.T) {
	startServer(t, "127.0.0.1:18082")

	cli, err := client.DialAddr("127.0.0.1:18082")
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	result, err := cli.CallKw("greet", nil, map[string]any{"name": "bob"})
	if err != nil {
		t.Fatalf("CallKw failed: %v", err)
	}
	if result != "hello bob" {
		t.Fatalf("expect 'hello bob', got %v", result)
	}
}

func TestMissingMethodKeepsConnectionOpen(t *testing.T) {
	startServer(t, "127.0.0.1:18083")

	cli, err := client.DialAddr("127.0.0.1:18083")
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	_, err = cli.Call("missing_method")
	var remoteErr *client.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expect *RemoteError, got: %v", err)
	}
	if remoteErr.Description == "" {
		t.Fatal("expect non-empty error description")
	}

	// The failure is per-request: the connection stays usable.
	result, err := cli.Call("add", 1, 1)
	if err != nil {
		t.Fatalf("Call after failure failed: %v", err)
	}
	if result != float64(2) {
		t.Fatalf("expect 2, got %v", result)
	}
}

func TestPrivateMethodNeverInvocable(t *testing.T) {
	startServer(t, "127.0.0.1:18084")

	cli, err := client.DialAddr("127.0.0.1:18084")
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	_, err = cli.Call("_teardown")
	var remoteErr *client.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expect *RemoteError for private name, got: %v", err)
	}
	if !strings.Contains(remoteErr.Description, "no such method") {
		t.Errorf("expect resolution failure, got: %s", remoteErr.Description)
	}
}

func TestHandlerErrorAndPanicRecovered(t *testing.T) {
	startServer(t, "127.0.0.1:18085")

	cli, err := client.DialAddr("127.0.0.1:18085")
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	if _, err := cli.Call("fail"); err == nil {
		t.Fatal("expect error from failing handler")
	}

	// A panicking handler must not kill the dispatch loop either.
	_, err = cli.Call("boom")
	var remoteErr *client.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expect *RemoteError from panicking handler, got: %v", err)
	}
	if !strings.Contains(remoteErr.Description, "panic") {
		t.Errorf("expect panic description, got: %s", remoteErr.Description)
	}

	result, err := cli.Call("add", 20, 22)
	if err != nil {
		t.Fatalf("Call after panic failed: %v", err)
	}
	if result != float64(42) {
		t.Fatalf("expect 42, got %v", result)
	}
}

func TestNotifyThenCall(t *testing.T) {
	startServer(t, "127.0.0.1:18086")

	cli, err := client.DialAddr("127.0.0.1:18086")
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	// Notify returns without reading anything back; a failing notify is
	// equally silent.
	notifier := cli.Notifier()
	if err := notifier.Notify("add", 2, 3); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if err := notifier.Notify("missing_method"); err != nil {
		t.Fatalf("Notify of missing method must not fail locally: %v", err)
	}

	// The dispatch loop is sequential, so this Call's response proves
	// both notifies were consumed without emitting response frames.
	result, err := cli.Call("add", 2, 3)
	if err != nil {
		t.Fatalf("Call after Notify failed: %v", err)
	}
	if result != float64(5) {
		t.Fatalf("expect 5, got %v", result)
	}
}

func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rfoo.sock")

	svr := NewServer(arithFactory)
	go svr.Serve("unix", path)
	defer svr.Shutdown(3 * time.Second)
	time.Sleep(100 * time.Millisecond)

	cli, err := client.DialUnix(path)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	result, err := cli.Call("add", 4, 6)
	if err != nil {
		t.Fatalf("Call over unix socket failed: %v", err)
	}
	if result != float64(10) {
		t.Fatalf("expect 10, got %v", result)
	}
}

func TestServePipe(t *testing.T) {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	svr := NewServer(arithFactory)
	done := make(chan error, 1)
	go func() {
		done <- svr.ServePipe(serverR, serverW)
	}()

	cli := client.NewPipeProxy(clientR, clientW)

	result, err := cli.Call("add", 7, 8)
	if err != nil {
		t.Fatalf("Call over pipes failed: %v", err)
	}
	if result != float64(15) {
		t.Fatalf("expect 15, got %v", result)
	}

	cli.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServePipe returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServePipe did not return after client close")
	}
}

func TestConcurrencyGate(t *testing.T) {
	startServer(t, "127.0.0.1:18087", WithMaxConns(2))

	// Two connections occupy both gate slots for their whole lifetime.
	cli1, err := client.DialAddr("127.0.0.1:18087")
	if err != nil {
		t.Fatal(err)
	}
	cli2, err := client.DialAddr("127.0.0.1:18087")
	if err != nil {
		t.Fatal(err)
	}
	defer cli2.Close()

	for _, cli := range []*client.Proxy{cli1, cli2} {
		if _, err := cli.Call("add", 1, 1); err != nil {
			t.Fatal(err)
		}
	}

	// A third connection is accepted by the OS backlog but not serviced
	// while the gate is saturated: its call stalls.
	cli3, err := client.DialAddr("127.0.0.1:18087")
	if err != nil {
		t.Fatal(err)
	}
	defer cli3.Close()

	result := make(chan error, 1)
	go func() {
		_, err := cli3.Call("add", 1, 2)
		result <- err
	}()

	select {
	case <-result:
		t.Fatal("third connection was serviced past the gate bound")
	case <-time.After(300 * time.Millisecond):
		// stalled, as required
	}

	// Freeing one slot unblocks it.
	cli1.Close()
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("call after slot freed failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("third connection still stalled after a slot freed")
	}
}

func TestHandlerTeardownOnDisconnect(t *testing.T) {
	torndown := make(chan struct{}, 1)
	factory := func(addr net.Addr) handler.Handler {
		m, err := handler.NewMap(map[string]handler.Func{
			"ping": func(args []any, kwargs map[string]any) (any, error) {
				return "pong", nil
			},
		})
		if err != nil {
			panic(err)
		}
		m.OnTeardown(func() { torndown <- struct{}{} })
		return m
	}

	svr := NewServer(factory)
	go svr.Serve("tcp", "127.0.0.1:18088")
	defer svr.Shutdown(3 * time.Second)
	time.Sleep(100 * time.Millisecond)

	cli, err := client.DialAddr("127.0.0.1:18088")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cli.Call("ping"); err != nil {
		t.Fatal(err)
	}
	cli.Close()

	select {
	case <-torndown:
	case <-time.After(2 * time.Second):
		t.Fatal("handler teardown not invoked after disconnect")
	}
}

func TestShutdownDrains(t *testing.T) {
	svr := NewServer(arithFactory)
	go svr.Serve("tcp", "127.0.0.1:18089")
	time.Sleep(100 * time.Millisecond)

	cli, err := client.DialAddr("127.0.0.1:18089")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cli.Call("add", 1, 2); err != nil {
		t.Fatal(err)
	}
	cli.Close()

	if err := svr.Shutdown(3 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// A closed server accepts nothing new.
	if _, err := net.DialTimeout("tcp", "127.0.0.1:18089", 200*time.Millisecond); err == nil {
		t.Fatal("expect dial to fail after shutdown")
	}
}

// failingRegistry registers fine but refuses to deregister, standing in for
// an etcd whose lease vanished between Serve and Shutdown.
type failingRegistry struct{}

func (failingRegistry) Register(string, registry.ServiceInstance, int64) error { return nil }
func (failingRegistry) Deregister(string, string) error {
	return errors.New("lease not found")
}
func (failingRegistry) Discover(string) ([]registry.ServiceInstance, error) { return nil, nil }
func (failingRegistry) Watch(string) <-chan []registry.ServiceInstance      { return nil }

func TestShutdownWarnsOnDeregisterFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	svr := NewServer(arithFactory, WithRegistry(failingRegistry{}, "calc", "127.0.0.1:18090"))
	go svr.Serve("tcp", "127.0.0.1:18090")
	time.Sleep(100 * time.Millisecond)

	// The failure is logged, not surfaced: shutdown itself still drains.
	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := len(logs.FilterMessage("deregister failed").All()); got != 1 {
		t.Fatalf("expect 1 deregister warning, got %d", got)
	}
}

func ExampleServer() {
	factory := func(addr net.Addr) handler.Handler {
		m, _ := handler.NewMap(map[string]handler.Func{
			"echo": func(args []any, kwargs map[string]any) (any, error) {
				return args[0], nil
			},
		})
		return m
	}

	svr := NewServer(factory)
	go svr.Serve("tcp", "127.0.0.1:18099")
	defer svr.Shutdown(time.Second)
	time.Sleep(100 * time.Millisecond)

	cli, _ := client.DialAddr("127.0.0.1:18099")
	defer cli.Close()

	result, _ := cli.Call("echo", "Hello World!")
	fmt.Println(result)
	// Output: Hello World!
}
