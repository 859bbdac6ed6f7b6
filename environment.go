package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Environment describes what the hosting runtime offers. Transports consult
// it to decide whether they are available and use its clients to do I/O.
type Environment struct {
	// PageURL is the location of the hosting page. Nil when there is none.
	PageURL *url.URL

	// WebSocket reports that websocket connections can be made.
	WebSocket bool

	// CORS reports that plain HTTP requests may go cross-origin.
	CORS bool

	// XDomainRequest reports the legacy cross-domain request object.
	XDomainRequest bool

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	Logger     Logger
}

// DefaultEnvironment is a modern runtime with websockets and CORS and no hosting page.
func DefaultEnvironment() *Environment {
	return &Environment{
		WebSocket:  true,
		CORS:       true,
		Dialer:     websocket.DefaultDialer,
		HTTPClient: http.DefaultClient,
		Logger:     NewNoopLogger(),
	}
}

func (e *Environment) withDefaults() *Environment {
	if e == nil {
		return DefaultEnvironment()
	}
	env := *e
	if env.Dialer == nil {
		env.Dialer = websocket.DefaultDialer
	}
	if env.HTTPClient == nil {
		env.HTTPClient = http.DefaultClient
	}
	if env.Logger == nil {
		env.Logger = NewNoopLogger()
	}
	return &env
}

// pageScheme returns the page's scheme without the trailing colon, or "".
func (e *Environment) pageScheme() string {
	if e == nil || e.PageURL == nil {
		return ""
	}
	return strings.ToLower(e.PageURL.Scheme)
}

func (e *Environment) pageHost() string {
	if e == nil || e.PageURL == nil {
		return ""
	}
	return strings.ToLower(e.PageURL.Hostname())
}
