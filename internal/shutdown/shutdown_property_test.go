package shutdown

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (l *orderLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *orderLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// Property: every component is stopped exactly once, in reverse order of
// registration, even when some of them fail.
func TestPropertyReverseOrderShutdown(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("components stop once in LIFO order", prop.ForAll(
		func(n int, failures []bool) bool {
			failures = failures[:n]
			log := &orderLog{}
			c := NewCoordinator(WithTimeout(time.Second))

			var want []string
			for i, fail := range failures {
				name := string(rune('a' + i))
				fail := fail
				c.Register(NewFuncComponent(name, func(context.Context) error {
					log.add(name)
					if fail {
						return errors.New("boom")
					}
					return nil
				}))
				want = append([]string{name}, want...)
			}

			c.Shutdown()
			c.Shutdown()
			c.Wait()

			if len(want) == 0 {
				return len(log.get()) == 0 && c.ExitCode() == 0
			}
			return reflect.DeepEqual(log.get(), want) && c.ExitCode() == 0
		},
		gen.IntRange(0, 6),
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestSignalTriggersShutdown(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	c := NewCoordinator(WithSignalChannel(sigCh), WithTimeout(time.Second))

	stopped := make(chan struct{})
	c.Register(NewFuncComponent("worker", func(context.Context) error {
		close(stopped)
		return nil
	}))

	go c.WaitForSignal(context.Background())
	sigCh <- os.Interrupt

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("component was not shut down")
	}
	c.Wait()
}

func TestTimeoutForcesExitCode(t *testing.T) {
	c := NewCoordinator(WithTimeout(50 * time.Millisecond))

	var ranLast bool
	c.Register(NewFuncComponent("first", func(context.Context) error {
		ranLast = true
		return nil
	}))
	c.Register(NewFuncComponent("stuck", func(context.Context) error {
		time.Sleep(time.Second)
		return nil
	}))

	start := time.Now()
	c.Shutdown()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("shutdown took %s", elapsed)
	}
	if c.ExitCode() != 1 {
		t.Errorf("ExitCode = %d, want 1", c.ExitCode())
	}
	if ranLast {
		t.Error("components after the deadline should be skipped")
	}
}

func TestHTTPServerComponentDrainsRequests(t *testing.T) {
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewUnstartedServer(handler)
	srv.Start()
	defer srv.Close()

	result := make(chan int, 1)
	go func() {
		resp, err := http.Get(srv.URL)
		if err != nil {
			result <- 0
			return
		}
		resp.Body.Close()
		result <- resp.StatusCode
	}()
	time.Sleep(50 * time.Millisecond)

	comp := NewHTTPServerComponent("http", srv.Config)
	done := make(chan error, 1)
	go func() { done <- comp.Shutdown(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if code := <-result; code != http.StatusOK {
		t.Errorf("in-flight request status = %d", code)
	}
}
