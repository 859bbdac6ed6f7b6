package api

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	secureScheme = regexp.MustCompile(`https|wss`)
	urlScheme    = regexp.MustCompile(`^((http|ws)s?:)?//`)
)

// EndpointFunc handles Request.Send for one endpoint. force asks for
// aggressive polling where the endpoint supports it.
type EndpointFunc func(r *Request, force bool)

type RequestConfig struct {
	// Endpoint is appended to APIBaseURL. A Request without one is inert.
	Endpoint   string   `yaml:"endpoint"`
	APIBaseURL string   `yaml:"apiBaseURL"`
	Data       any      `yaml:"data"`
	Settings   Settings `yaml:"settings"`
	// Transport is the preferred transport. Unknown names mean AJAX.
	Transport string `yaml:"transport"`
	Method    string `yaml:"method"`
	Secure    bool   `yaml:"secure"`
	// Timeout fails a request that got no callback in time. Negative disables it.
	Timeout time.Duration `yaml:"timeout"`

	Handlers    Handlers                `yaml:"-"`
	Endpoints   map[string]EndpointFunc `yaml:"-"`
	Environment *Environment            `yaml:"-"`
}

func (c RequestConfig) withDefaults() RequestConfig {
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	c.Transport = NormalizeTransportName(c.Transport)
	if c.Method == "" {
		c.Method = defaultMethod
	}
	c.Method = strings.ToUpper(c.Method)
	if c.Timeout == 0 {
		c.Timeout = defaultRequestTimeout
	}
	c.Settings = c.Settings.withDefaults()
	c.Environment = c.Environment.withDefaults()
	return c
}

// SendArgs extends the configuration of a Request before its endpoint runs.
type SendArgs struct {
	Force   bool
	Data    any
	Method  string
	Timeout time.Duration
}

// requestCycle groups the callbacks of the exchanges started by one Request
// call. A timed-out cycle is silenced. An aborted one still reaches the user
// handlers but no longer settles Deferreds.
type requestCycle struct {
	timedOut atomic.Bool
	aborted  atomic.Bool
}

// Request is the entry point of the transport layer. It picks a transport for
// the configured endpoint and turns its callbacks into Deferreds.
type Request struct {
	mu        sync.Mutex
	cfg       RequestConfig
	transport Transport
	deferred  *Deferred
	cycle     *requestCycle
	timer     *callbackTimer
	secure    bool
	uri       string
	usable    bool
	logger    Logger
}

func NewRequest(cfg RequestConfig) *Request {
	cfg = cfg.withDefaults()
	r := &Request{
		cfg:      cfg,
		deferred: newDeferred(),
		cycle:    &requestCycle{},
		logger:   cfg.Environment.Logger,
	}
	if cfg.Endpoint == "" {
		r.logger.Printf(LogError, "request", "Unable to create request, endpoint is missing: %+v", cfg)
		return r
	}

	url := cfg.APIBaseURL + cfg.Endpoint
	r.secure = isSecureRequest(cfg, url)
	r.uri = urlScheme.ReplaceAllString(url, "")

	kind := selectTransport(cfg.Environment, cfg.Transport, availability{Secure: r.secure, Method: cfg.Method})
	r.transport = kind.create(r.transportConfigLocked())
	r.timer = newCallbackTimer(r.onTimeout, r.timeout)
	r.usable = true
	transportsSelected.WithLabelValues(kind.name).Inc()
	r.logger.Printf(LogDebug, "request", "%s uses %s transport for %s", cfg.Endpoint, kind.name, r.uri)
	return r
}

// selectTransport returns the preferred transport when it is available, else
// the first available one in priority order.
func selectTransport(env *Environment, preferred string, a availability) transportKind {
	if k, ok := lookupTransportKind(preferred); ok && k.available(env, a) {
		return k
	}
	for _, k := range transportKinds {
		if k.available(env, a) {
			return k
		}
	}
	k, _ := lookupTransportKind(TransportJSONP)
	return k
}

func isSecureRequest(cfg RequestConfig, url string) bool {
	if cfg.Secure {
		return true
	}
	if secureScheme.MatchString(cfg.Environment.pageScheme()) {
		return true
	}
	if i := strings.Index(url, "//"); i > 0 {
		return secureScheme.MatchString(url[:i])
	}
	return false
}

// Usable reports whether the Request was built with a valid config.
func (r *Request) Usable() bool {
	return r.usable
}

// TransportName is the name of the selected transport, or "" for an inert Request.
func (r *Request) TransportName() string {
	if r.transport == nil {
		return ""
	}
	return r.transport.Name()
}

// Transport returns the selected transport, or nil for an inert Request.
func (r *Request) Transport() Transport {
	return r.transport
}

// Secure reports whether the Request uses wss/https.
func (r *Request) Secure() bool {
	return r.secure
}

// URI is the transport URI: base URL and endpoint without the scheme.
func (r *Request) URI() string {
	return r.uri
}

// Deferred returns the Deferred of the current send cycle.
func (r *Request) Deferred() *Deferred {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deferred
}

func (r *Request) timeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cfg.Timeout
}

func (r *Request) transportConfigLocked() TransportConfig {
	return TransportConfig{
		URI:      r.uri,
		Secure:   r.secure,
		Method:   r.cfg.Method,
		Data:     r.cfg.Data,
		Settings: r.cfg.Settings,
		Handlers: r.wrapHandlers(r.cfg.Handlers, r.cycle),
		Env:      r.cfg.Environment,
	}
}

// Request refreshes the transport config, connects, arms the timeout and
// sends payload. The returned Deferred is settled by the first OnError or
// OnClose that follows.
func (r *Request) Request(payload any) *Deferred {
	if !r.usable {
		return r.Deferred()
	}

	r.mu.Lock()
	r.cycle = &requestCycle{}
	cfg := r.transportConfigLocked()
	timeout := r.cfg.Timeout
	deferred := r.deferred
	r.mu.Unlock()

	r.transport.Reconfigure(cfg)
	r.transport.Connect()
	if timeout > 0 {
		r.timer.Run()
	}
	if err := r.transport.Send(payload); err != nil {
		r.logger.Printf(LogWarning, "request", "send to %s failed: %v", r.uri, err)
	}
	return deferred
}

// Send merges args into the config and runs the handler registered for the
// endpoint. It returns the current Deferred.
func (r *Request) Send(args *SendArgs) *Deferred {
	if !r.usable {
		return r.Deferred()
	}

	force := false
	r.mu.Lock()
	if args != nil {
		force = args.Force
		if args.Data != nil {
			r.cfg.Data = args.Data
		}
		if args.Method != "" {
			r.cfg.Method = strings.ToUpper(args.Method)
		}
		if args.Timeout != 0 {
			r.cfg.Timeout = args.Timeout
		}
	}
	cfg := r.transportConfigLocked()
	endpoint := r.cfg.Endpoints[r.cfg.Endpoint]
	deferred := r.deferred
	r.mu.Unlock()

	r.transport.Reconfigure(cfg)
	if endpoint != nil {
		endpoint(r, force)
	}
	return deferred
}

// Abort stops the timeout, rejects the current Deferred with ErrRequestAborted,
// replaces it and aborts the transport. Late callbacks of the aborted
// exchanges no longer touch the Request.
func (r *Request) Abort() {
	if !r.usable {
		return
	}

	r.mu.Lock()
	r.cycle.aborted.Store(true)
	r.mu.Unlock()

	r.timer.Stop()
	r.rotate().reject(ErrRequestAborted)
	r.transport.Abort(false)
}

func (r *Request) onTimeout() {
	r.mu.Lock()
	cycle := r.cycle
	r.mu.Unlock()

	if cycle.aborted.Load() || !cycle.timedOut.CompareAndSwap(false, true) {
		return
	}
	r.logger.Printf(LogWarning, "request", "request to %s timed out", r.uri)
	r.fail(&Error{Result: "error", ErrorCode: ErrorCodeNetworkTimeout}, ErrorInfo{Critical: true})
	r.transport.Abort(false)
}

func (r *Request) fail(err *Error, info ErrorInfo) {
	requestErrors.WithLabelValues(err.ErrorCode).Inc()

	r.mu.Lock()
	h := r.cfg.Handlers
	r.mu.Unlock()

	h.error(err, info)
	r.rotate().reject(err)
}

// rotate swaps in a fresh Deferred and returns the one it replaced.
func (r *Request) rotate() *Deferred {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.deferred
	r.deferred = newDeferred()
	return d
}

// current reports whether cycle belongs to the latest Request call.
func (r *Request) current(cycle *requestCycle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cycle == cycle
}

// stopTimer stops the timeout when it was armed for cycle.
func (r *Request) stopTimer(cycle *requestCycle) {
	if r.current(cycle) {
		r.timer.Stop()
	}
}

// wrapHandlers fans transport callbacks out to user and the current Deferred.
// Callbacks of a cycle that timed out are dropped; those of an aborted cycle
// only reach user.
func (r *Request) wrapHandlers(user Handlers, cycle *requestCycle) Handlers {
	return Handlers{
		OnOpen: func() {
			if cycle.timedOut.Load() {
				return
			}
			user.open()
		},
		OnData: func(data any) {
			if cycle.timedOut.Load() {
				return
			}
			if cycle.aborted.Load() {
				user.data(data)
				return
			}
			r.stopTimer(cycle)
			user.data(data)
			r.Deferred().notify(data)
		},
		OnError: func(err *Error, info ErrorInfo) {
			if cycle.timedOut.Load() {
				return
			}
			if cycle.aborted.Load() {
				user.error(err, info)
				return
			}
			r.stopTimer(cycle)
			r.fail(err, info)
		},
		OnClose: func() {
			if cycle.timedOut.Load() {
				return
			}
			if cycle.aborted.Load() {
				user.close()
				return
			}
			r.stopTimer(cycle)
			user.close()
			r.rotate().resolve()
		},
	}
}
