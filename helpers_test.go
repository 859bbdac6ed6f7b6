package api

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/braviap/js-sdk/internal/mockbackend"
)

const callbackWait = 3 * time.Second

func startBackend(t testing.TB) *mockbackend.Server {
	t.Helper()

	server, err := mockbackend.New(mockbackend.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server
}

func testEnvironment() *Environment {
	env := DefaultEnvironment()
	env.HTTPClient = &http.Client{}
	return env
}

// callbackLog records every callback a transport or request makes.
type callbackLog struct {
	mu     sync.Mutex
	events []string
	data   []any
	errs   []*Error
	infos  []ErrorInfo
	fired  chan string
}

func newCallbackLog() *callbackLog {
	return &callbackLog{fired: make(chan string, 256)}
}

func (l *callbackLog) record(event string, fn func()) {
	l.mu.Lock()
	l.events = append(l.events, event)
	if fn != nil {
		fn()
	}
	l.mu.Unlock()
	l.fired <- event
}

func (l *callbackLog) handlers() Handlers {
	return Handlers{
		OnOpen: func() { l.record("open", nil) },
		OnData: func(data any) {
			l.record("data", func() { l.data = append(l.data, data) })
		},
		OnError: func(err *Error, info ErrorInfo) {
			l.record("error", func() {
				l.errs = append(l.errs, err)
				l.infos = append(l.infos, info)
			})
		},
		OnClose: func() { l.record("close", nil) },
	}
}

func (l *callbackLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.events...)
}

func (l *callbackLog) Data() []any {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]any(nil), l.data...)
}

func (l *callbackLog) Errors() []*Error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]*Error(nil), l.errs...)
}

func (l *callbackLog) Infos() []ErrorInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]ErrorInfo(nil), l.infos...)
}

// waitFor blocks until event fires, failing the test after callbackWait.
func (l *callbackLog) waitFor(t testing.TB, event string) {
	t.Helper()

	deadline := time.After(callbackWait)
	for {
		select {
		case got := <-l.fired:
			if got == event {
				return
			}
		case <-deadline:
			t.Fatalf("no %q callback, got %v", event, l.Events())
		}
	}
}

// quiet fails the test if any callback fires within d.
func (l *callbackLog) quiet(t testing.TB, d time.Duration) {
	t.Helper()

	before := l.Events()
	time.Sleep(d)
	if after := l.Events(); len(after) != len(before) {
		t.Fatalf("unexpected callbacks %v after %v", after[len(before):], before)
	}
}

// params returns the "params" object the mock echo endpoint replies with.
func params(t testing.TB, data any) map[string]any {
	t.Helper()

	m, ok := data.(map[string]any)
	require.True(t, ok, "expected an object, got %T", data)
	p, ok := m["params"].(map[string]any)
	require.True(t, ok, "expected params in %v", m)
	return p
}
