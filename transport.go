package api

import (
	"net/http"
	"strings"
	"time"
)

// Transport names, in probing priority order.
const (
	TransportWebSockets     = "WebSockets"
	TransportAJAX           = "AJAX"
	TransportXDomainRequest = "XDomainRequest"
	TransportJSONP          = "JSONP"
)

type Transport interface {
	Name() string
	Connect()
	Send(payload any) error
	Abort(force bool)
	Reconfigure(cfg TransportConfig)
}

// Handlers are the callbacks a transport reports to. Nil handlers are skipped.
type Handlers struct {
	OnData  func(data any)
	OnOpen  func()
	OnClose func()
	OnError func(err *Error, info ErrorInfo)
}

func (h Handlers) data(data any) {
	if h.OnData != nil {
		h.OnData(data)
	}
}

func (h Handlers) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h Handlers) close() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

func (h Handlers) error(err *Error, info ErrorInfo) {
	if h.OnError != nil {
		h.OnError(err, info)
	}
}

// Settings tune a transport. Zero values mean "use the default".
type Settings struct {
	// DataType is how HTTP responses are parsed: json, text, html, xml or jsonp.
	DataType string      `yaml:"dataType"`
	Headers  http.Header `yaml:"headers"`
	// NoCache appends a timestamp parameter so responses are never cached.
	NoCache            bool          `yaml:"noCache"`
	HTTPTimeout        time.Duration `yaml:"httpTimeout"`
	JSONPCallbackParam string        `yaml:"jsonpCallbackParam"`

	MaxConnectRetries  int           `yaml:"maxConnectRetries"`
	ServerPingInterval time.Duration `yaml:"serverPingInterval"`
	Protocols          []string      `yaml:"protocols"`
	// ReconnectTimeout bounds how long one reconnect cycle keeps dialing.
	ReconnectTimeout time.Duration `yaml:"reconnectTimeout"`
}

func (s Settings) withDefaults() Settings {
	if s.DataType == "" {
		s.DataType = defaultDataType
	}
	s.DataType = strings.ToLower(s.DataType)
	if s.JSONPCallbackParam == "" {
		s.JSONPCallbackParam = defaultJSONPCallbackParam
	}
	if s.MaxConnectRetries <= 0 {
		s.MaxConnectRetries = defaultMaxConnectRetries
	}
	if s.ServerPingInterval <= 0 {
		s.ServerPingInterval = defaultServerPingInterval
	}
	if s.Protocols == nil {
		s.Protocols = defaultProtocols
	}
	if s.ReconnectTimeout <= 0 {
		s.ReconnectTimeout = defaultReconnectTimeout
	}
	return s
}

// TransportConfig is what a Request hands to the transport it picked.
// URI is host and path only; Secure picks the scheme.
type TransportConfig struct {
	URI      string
	Secure   bool
	Method   string
	Data     any
	Settings Settings
	Handlers Handlers
	Env      *Environment
}

func (c TransportConfig) withDefaults() TransportConfig {
	c.Settings = c.Settings.withDefaults()
	if c.Method == "" {
		c.Method = defaultMethod
	}
	c.Method = strings.ToUpper(c.Method)
	c.Env = c.Env.withDefaults()
	return c
}

type availability struct {
	Secure bool
	Method string
}

type transportKind struct {
	name      string
	available func(env *Environment, a availability) bool
	create    func(cfg TransportConfig) Transport
}

// transportKinds is ordered by preference: persistent low-latency connections
// first, broadest compatibility last.
var transportKinds = []transportKind{
	{name: TransportWebSockets, available: webSocketsAvailable, create: func(cfg TransportConfig) Transport { return NewWebSockets(cfg) }},
	{name: TransportAJAX, available: ajaxAvailable, create: func(cfg TransportConfig) Transport { return NewAJAX(cfg) }},
	{name: TransportXDomainRequest, available: xDomainRequestAvailable, create: func(cfg TransportConfig) Transport { return NewXDomainRequest(cfg) }},
	{name: TransportJSONP, available: jsonpAvailable, create: func(cfg TransportConfig) Transport { return NewJSONP(cfg) }},
}

func lookupTransportKind(name string) (transportKind, bool) {
	for _, k := range transportKinds {
		if k.name == name {
			return k, true
		}
	}
	return transportKind{}, false
}

// NormalizeTransportName matches name case-insensitively against the known
// transports and falls back to AJAX.
func NormalizeTransportName(name string) string {
	for _, k := range transportKinds {
		if strings.EqualFold(k.name, name) {
			return k.name
		}
	}
	return TransportAJAX
}

// TransportAvailable reports whether the named transport can be used in env for a request with the given security and method.
func TransportAvailable(name string, env *Environment, secure bool, method string) bool {
	k, ok := lookupTransportKind(NormalizeTransportName(name))
	if !ok {
		return false
	}
	return k.available(env.withDefaults(), availability{Secure: secure, Method: strings.ToUpper(method)})
}

func httpScheme(secure bool) string {
	if secure {
		return "https"
	}
	return "http"
}

func wsScheme(secure bool) string {
	if secure {
		return "wss"
	}
	return "ws"
}
