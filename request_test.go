package api

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitSettled(t *testing.T, d *Deferred) {
	t.Helper()

	select {
	case <-d.Done():
	case <-time.After(callbackWait):
		t.Fatalf("deferred still %s", d.State())
	}
}

func TestRequestTransportSelection(t *testing.T) {
	page, _ := url.Parse("http://page.example.com/")

	tests := []struct {
		name      string
		env       *Environment
		transport string
		method    string
		want      string
	}{
		{"preferred and available", &Environment{WebSocket: true, CORS: true}, "websockets", "GET", TransportWebSockets},
		{"default name is ajax", &Environment{WebSocket: true, CORS: true}, "", "GET", TransportAJAX},
		{"unknown name means ajax", &Environment{WebSocket: true, CORS: true}, "carrier-pigeon", "GET", TransportAJAX},
		{"case insensitive", &Environment{CORS: true}, "jSoNp", "GET", TransportJSONP},
		{"only ajax and jsonp", &Environment{CORS: true}, "websockets", "GET", TransportAJAX},
		{"first available wins", &Environment{WebSocket: true, CORS: true}, "xdomainrequest", "GET", TransportWebSockets},
		{"legacy browser", &Environment{XDomainRequest: true, PageURL: page}, "ajax", "GET", TransportXDomainRequest},
		{"legacy browser without post", &Environment{XDomainRequest: true, PageURL: page}, "ajax", "PUT", TransportJSONP},
		{"nothing else", &Environment{}, "websockets", "POST", TransportJSONP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRequest(RequestConfig{
				Endpoint:    "search",
				Transport:   tt.transport,
				Method:      tt.method,
				Environment: tt.env,
			})
			require.True(t, r.Usable())
			assert.Equal(t, tt.want, r.TransportName())
		})
	}
}

func TestRequestSelectionMetric(t *testing.T) {
	before := testutil.ToFloat64(transportsSelected.WithLabelValues(TransportJSONP))
	NewRequest(RequestConfig{Endpoint: "search", Transport: "jsonp"})
	assert.Equal(t, before+1, testutil.ToFloat64(transportsSelected.WithLabelValues(TransportJSONP)))
}

func TestRequestSecureInference(t *testing.T) {
	securePage, _ := url.Parse("https://page.example.com/")
	plainPage, _ := url.Parse("http://page.example.com/")

	tests := []struct {
		name    string
		cfg     RequestConfig
		secure  bool
		wantURI string
	}{
		{"default base url", RequestConfig{}, false, "api.echoenabled.com/v1/search"},
		{"secure flag", RequestConfig{Secure: true}, true, "api.echoenabled.com/v1/search"},
		{"secure page", RequestConfig{Environment: &Environment{CORS: true, PageURL: securePage}}, true, "api.echoenabled.com/v1/search"},
		{"plain page", RequestConfig{Environment: &Environment{CORS: true, PageURL: plainPage}}, false, "api.echoenabled.com/v1/search"},
		{"https url", RequestConfig{APIBaseURL: "https://api.example.com/v2/"}, true, "api.example.com/v2/search"},
		{"wss url", RequestConfig{APIBaseURL: "wss://live.example.com/"}, true, "live.example.com/search"},
		{"http url", RequestConfig{APIBaseURL: "http://api.example.com/"}, false, "api.example.com/search"},
		{"ws url", RequestConfig{APIBaseURL: "ws://live.example.com/"}, false, "live.example.com/search"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Endpoint = "search"
			r := NewRequest(cfg)
			assert.Equal(t, tt.secure, r.Secure())
			assert.Equal(t, tt.wantURI, r.URI())
		})
	}
}

func TestTransportAvailable(t *testing.T) {
	env := &Environment{CORS: true}
	assert.True(t, TransportAvailable("AJAX", env, false, "GET"))
	assert.False(t, TransportAvailable("WebSockets", env, false, "GET"))
	assert.True(t, TransportAvailable("jsonp", env, true, "post"))
	assert.True(t, TransportAvailable("bogus", env, false, "GET"), "unknown names mean AJAX")
}

func TestRequestWithoutEndpointIsInert(t *testing.T) {
	log := newCallbackLog()
	r := NewRequest(RequestConfig{Handlers: log.handlers()})

	assert.False(t, r.Usable())
	assert.Equal(t, "", r.TransportName())
	assert.Nil(t, r.Transport())
	assert.NotPanics(t, func() {
		d := r.Request(Data{"q": "x"})
		require.NotNil(t, d)
		assert.Equal(t, Pending, d.State())
		r.Send(&SendArgs{Force: true})
		r.Abort()
		r.Abort()
	})
	assert.Empty(t, log.Events())
}

func TestRequestSettlesDeferred(t *testing.T) {
	server := startBackend(t)
	log := newCallbackLog()
	r := NewRequest(RequestConfig{
		Endpoint:    "echo",
		APIBaseURL:  "//" + server.Host + "/v1/",
		Data:        Data{"appkey": "test.js-kit.com"},
		Handlers:    log.handlers(),
		Environment: testEnvironment(),
	})
	require.Equal(t, TransportAJAX, r.TransportName())

	var progress []any
	d := r.Request(Data{"q": "first"}).Progress(func(data any) {
		progress = append(progress, data)
	})
	waitSettled(t, d)

	assert.Equal(t, []string{"open", "data", "close"}, log.Events())
	assert.Equal(t, Resolved, d.State())
	data, err := d.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", params(t, data)["q"])
	assert.Len(t, progress, 1)

	next := r.Deferred()
	assert.NotSame(t, d, next, "a settled deferred is replaced")
	assert.Equal(t, Pending, next.State())

	d2 := r.Request(Data{"q": "second"})
	assert.Same(t, next, d2)
	waitSettled(t, d2)
	data, _ = d2.Result()
	assert.Equal(t, "second", params(t, data)["q"])
}

func TestRequestErrorRejectsDeferred(t *testing.T) {
	server := startBackend(t)
	log := newCallbackLog()
	r := NewRequest(RequestConfig{
		Endpoint:    "error",
		APIBaseURL:  "//" + server.Host + "/v1/",
		Handlers:    log.handlers(),
		Environment: testEnvironment(),
	})

	before := testutil.ToFloat64(requestErrors.WithLabelValues("incorrect_appkey"))
	d := r.Request(nil)
	waitSettled(t, d)
	log.waitFor(t, "close")

	assert.Equal(t, Rejected, d.State())
	_, err := d.Result()
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "incorrect_appkey", apiErr.ErrorCode)
	assert.Equal(t, before+1, testutil.ToFloat64(requestErrors.WithLabelValues("incorrect_appkey")))

	assert.Eventually(t, func() bool {
		next := r.Deferred()
		return next != d && next.State() == Pending
	}, time.Second, 10*time.Millisecond)
}

func TestRequestTimeout(t *testing.T) {
	server := startBackend(t)
	log := newCallbackLog()
	r := NewRequest(RequestConfig{
		Endpoint:    "slow",
		APIBaseURL:  "//" + server.Host + "/v1/",
		Data:        Data{"delay": "5s"},
		Timeout:     50 * time.Millisecond,
		Handlers:    log.handlers(),
		Environment: testEnvironment(),
	})

	before := testutil.ToFloat64(requestErrors.WithLabelValues(ErrorCodeNetworkTimeout))
	d := r.Request(nil)
	waitSettled(t, d)

	assert.Equal(t, Rejected, d.State())
	_, err := d.Result()
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrorCodeNetworkTimeout, apiErr.ErrorCode)
	assert.Equal(t, "error", apiErr.Result)
	assert.Equal(t, before+1, testutil.ToFloat64(requestErrors.WithLabelValues(ErrorCodeNetworkTimeout)))

	// callbacks of the aborted exchange never reach the handlers
	log.quiet(t, 300*time.Millisecond)
	assert.Equal(t, []string{"open", "error"}, log.Events())
	assert.Equal(t, []ErrorInfo{{Critical: true}}, log.Infos())

	assert.NotPanics(t, func() { r.Abort() })
	log.quiet(t, 100*time.Millisecond)
	assert.Equal(t, []string{"open", "error"}, log.Events())
}

func TestRequestCallbackStopsTimeout(t *testing.T) {
	server := startBackend(t)
	log := newCallbackLog()
	r := NewRequest(RequestConfig{
		Endpoint:    "echo",
		APIBaseURL:  "//" + server.Host + "/v1/",
		Timeout:     300 * time.Millisecond,
		Handlers:    log.handlers(),
		Environment: testEnvironment(),
	})

	waitSettled(t, r.Request(nil))
	log.quiet(t, 500*time.Millisecond)
	assert.Equal(t, []string{"open", "data", "close"}, log.Events())
}

func TestRequestNegativeTimeoutDisablesIt(t *testing.T) {
	server := startBackend(t)
	log := newCallbackLog()
	r := NewRequest(RequestConfig{
		Endpoint:    "slow",
		APIBaseURL:  "//" + server.Host + "/v1/",
		Data:        Data{"delay": "150ms"},
		Timeout:     -1,
		Handlers:    log.handlers(),
		Environment: testEnvironment(),
	})

	d := r.Request(nil)
	waitSettled(t, d)
	assert.Equal(t, Resolved, d.State())
	assert.Equal(t, []string{"open", "data", "close"}, log.Events())
}

func TestRequestAbort(t *testing.T) {
	server := startBackend(t)
	log := newCallbackLog()
	r := NewRequest(RequestConfig{
		Endpoint:    "slow",
		APIBaseURL:  "//" + server.Host + "/v1/",
		Data:        Data{"delay": "5s"},
		Handlers:    log.handlers(),
		Environment: testEnvironment(),
	})

	d := r.Request(nil)
	log.waitFor(t, "open")

	r.Abort()
	assert.Equal(t, Rejected, d.State())
	_, err := d.Result()
	assert.ErrorIs(t, err, ErrRequestAborted)

	next := r.Deferred()
	assert.NotSame(t, d, next)
	assert.Equal(t, Pending, next.State())

	// the aborted exchange still reports to the handlers but settles nothing
	log.waitFor(t, "close")
	assert.Equal(t, ErrorCodeConnectionAborted, log.Errors()[0].ErrorCode)
	assert.Same(t, next, r.Deferred())
	assert.Equal(t, Pending, next.State())

	assert.NotPanics(t, func() { r.Abort() })
	assert.Equal(t, Rejected, d.State())
}

func TestRequestReusableAfterAbort(t *testing.T) {
	server := startBackend(t)
	log := newCallbackLog()
	r := NewRequest(RequestConfig{
		Endpoint:    "echo",
		APIBaseURL:  "//" + server.Host + "/v1/",
		Handlers:    log.handlers(),
		Environment: testEnvironment(),
	})

	first := r.Request(Data{"q": "first"})
	waitSettled(t, first)
	require.Equal(t, Resolved, first.State())

	r.Abort()
	assert.Equal(t, Resolved, first.State())

	second := r.Request(Data{"q": "second"})
	assert.NotSame(t, first, second)
	waitSettled(t, second)
	require.Equal(t, Resolved, second.State())
	data, err := second.Result()
	require.NoError(t, err)
	assert.Equal(t, "second", params(t, data)["q"])
}

func TestRequestTimeoutAfterAbort(t *testing.T) {
	server := startBackend(t)
	log := newCallbackLog()
	r := NewRequest(RequestConfig{
		Endpoint:    "slow",
		APIBaseURL:  "//" + server.Host + "/v1/",
		Data:        Data{"delay": "5s"},
		Timeout:     5 * time.Second,
		Handlers:    log.handlers(),
		Environment: testEnvironment(),
	})

	first := r.Request(nil)
	log.waitFor(t, "open")
	r.Abort()

	r.Send(&SendArgs{Timeout: 50 * time.Millisecond})
	second := r.Request(nil)
	waitSettled(t, second)

	require.Equal(t, Rejected, second.State())
	_, err := second.Result()
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrorCodeNetworkTimeout, apiErr.ErrorCode)

	_, err = first.Result()
	assert.ErrorIs(t, err, ErrRequestAborted)
}

func TestRequestSendRunsEndpoint(t *testing.T) {
	server := startBackend(t)
	log := newCallbackLog()
	var forced []bool
	r := NewRequest(RequestConfig{
		Endpoint:    "echo",
		APIBaseURL:  "//" + server.Host + "/v1/",
		Handlers:    log.handlers(),
		Environment: testEnvironment(),
		Endpoints: map[string]EndpointFunc{
			"echo": func(r *Request, force bool) {
				forced = append(forced, force)
				r.Request(nil)
			},
		},
	})

	d := r.Send(&SendArgs{Force: true, Data: Data{"q": "sent"}, Method: "post", Timeout: time.Second})
	waitSettled(t, d)

	assert.Equal(t, []bool{true}, forced)
	data, err := d.Result()
	require.NoError(t, err)
	assert.Equal(t, "POST", data.(map[string]any)["method"])
	assert.Equal(t, "sent", params(t, data)["q"])
}

func TestRequestSendWithoutEndpointFunc(t *testing.T) {
	log := newCallbackLog()
	r := NewRequest(RequestConfig{Endpoint: "search", Handlers: log.handlers()})

	d := r.Send(nil)
	assert.Same(t, r.Deferred(), d)
	assert.Equal(t, Pending, d.State())
	assert.Empty(t, log.Events())
}

func TestRequestWaitResolved(t *testing.T) {
	server := startBackend(t)
	r := NewRequest(RequestConfig{
		Endpoint:    "search",
		APIBaseURL:  "//" + server.Host + "/v1/",
		Transport:   "jsonp",
		Environment: testEnvironment(),
	})
	require.Equal(t, TransportJSONP, r.TransportName())

	ctx, cancel := context.WithTimeout(context.Background(), callbackWait)
	defer cancel()
	data, err := r.Request(Data{"q": "jsonp"}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jsonp", params(t, data)["q"])
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	assert.Error(t, RegisterMetrics(reg), "collectors can only be registered once")
	assert.Len(t, MetricsCollectors(), 5)
}
