package api

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ajaxRequest is the descriptor of one HTTP exchange.
type ajaxRequest struct {
	URL      string
	Method   string
	Data     any
	Settings Settings

	// callback is the JSONP function name the server must wrap the response in
	callback  string
	roundTrip roundTripFunc
}

// completion is what a round-trip reports back, in jQuery terms.
type completion struct {
	Status      int
	StatusText  string
	Body        []byte
	ContentType string
	Parsed      any
	Err         error
}

func (c *completion) succeeded() bool {
	switch c.StatusText {
	case "success", "notmodified", "nocontent":
		return true
	}
	return false
}

func (c *completion) httpError() *HTTPError {
	return &HTTPError{
		Status:      c.Status,
		StatusText:  c.StatusText,
		Body:        c.Body,
		ContentType: c.ContentType,
		Err:         c.Err,
	}
}

type roundTripFunc func(ctx context.Context, client *http.Client, req *ajaxRequest) *completion

type ajaxCall struct {
	cancel context.CancelCauseFunc
}

// AJAX sends one HTTP request per Send. Callbacks fire from the goroutine of
// that request: OnOpen, then OnData or OnError, then OnClose.
type AJAX struct {
	mu       sync.Mutex
	cfg      TransportConfig
	inflight map[*ajaxCall]struct{}
	// customize adjusts every request descriptor before it is sent
	customize func(req *ajaxRequest)
	logger    Logger
}

func NewAJAX(cfg TransportConfig) *AJAX {
	cfg = cfg.withDefaults()
	a := &AJAX{
		cfg:      cfg,
		inflight: make(map[*ajaxCall]struct{}),
		logger:   cfg.Env.Logger,
	}
	if cfg.URI == "" {
		a.logger.Printf(LogError, "ajax", "Unable to initialize HTTP transport, config is invalid: %+v", cfg)
	}
	return a
}

func ajaxAvailable(env *Environment, _ availability) bool {
	return env.CORS
}

func (a *AJAX) Name() string { return TransportAJAX }

// Connect is a no-op: every Send builds its own request.
func (a *AJAX) Connect() {}

func (a *AJAX) config() TransportConfig {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.cfg
}

func (a *AJAX) Reconfigure(cfg TransportConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cfg.Env == nil {
		cfg.Env = a.cfg.Env
	}
	a.cfg = cfg.withDefaults()
}

func (a *AJAX) url(cfg TransportConfig) string {
	return httpScheme(cfg.Secure) + "://" + cfg.URI
}

func (a *AJAX) newRequest(cfg TransportConfig, data any) *ajaxRequest {
	req := &ajaxRequest{
		URL:       a.url(cfg),
		Method:    cfg.Method,
		Data:      data,
		Settings:  cfg.Settings,
		roundTrip: httpRoundTrip,
	}
	if a.customize != nil {
		a.customize(req)
	}
	return req
}

// Send issues a request with payload merged over the configured data. A raw
// string payload is sent as it is. Without a URI nothing is sent.
func (a *AJAX) Send(payload any) error {
	cfg := a.config()
	if cfg.URI == "" {
		return ErrNotConnected
	}
	req := a.newRequest(cfg, mergeData(cfg.Data, payload))
	a.start(cfg, req)
	return nil
}

func (a *AJAX) start(cfg TransportConfig, req *ajaxRequest) {
	ctx, cancel := context.WithCancelCause(context.Background())
	call := &ajaxCall{cancel: cancel}

	a.mu.Lock()
	a.inflight[call] = struct{}{}
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.inflight, call)
			a.mu.Unlock()
			cancel(nil)
		}()

		h := cfg.Handlers
		h.open()

		a.logger.Printf(LogDebug, "ajax", "%s %s", req.Method, req.URL)
		c := req.roundTrip(ctx, cfg.Env.HTTPClient, req)
		if c.succeeded() {
			h.data(c.Parsed)
		} else {
			a.logger.Printf(LogDebug, "ajax", "%s %s failed: %s", req.Method, req.URL, c.httpError())
			h.error(a.wrapError(c), ErrorInfo{})
		}
		h.close()
	}()
}

// wrapError prefers an error object sent by the server over the generic one.
func (a *AJAX) wrapError(c *completion) *Error {
	httpErr := c.httpError()
	switch c.StatusText {
	case "parseerror":
		e := wrapError(httpErr)
		e.ErrorCode = ErrorCodeParseError
		return e
	case "parsererror":
		return wrapError(httpErr)
	}

	if len(bytes.TrimSpace(c.Body)) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(c.Body, &obj); err == nil && obj != nil {
			e := &Error{TransportError: httpErr}
			e.Result, _ = obj["result"].(string)
			e.ErrorCode, _ = obj["errorCode"].(string)
			e.ErrorMessage, _ = obj["errorMessage"].(string)
			if e.Result == "" {
				e.Result = "error"
			}
			return e
		}
	}

	e := wrapError(httpErr)
	if c.StatusText == "abort" {
		e.ErrorCode = ErrorCodeConnectionAborted
	}
	return e
}

// Abort cancels every request still in flight. Their OnError reports connection_aborted.
func (a *AJAX) Abort(_ bool) {
	a.mu.Lock()
	calls := make([]*ajaxCall, 0, len(a.inflight))
	for call := range a.inflight {
		calls = append(calls, call)
	}
	a.mu.Unlock()

	for _, call := range calls {
		call.cancel(ErrRequestAborted)
	}
}

// pending reports how many requests are in flight.
func (a *AJAX) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.inflight)
}

func appendQuery(u *url.URL, query string) {
	if query == "" {
		return
	}
	if u.RawQuery == "" {
		u.RawQuery = query
	} else {
		u.RawQuery += "&" + query
	}
}

func cacheBuster() string {
	return "_=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func acceptHeader(dataType string) string {
	switch dataType {
	case "json":
		return "application/json, text/javascript, */*; q=0.01"
	case "jsonp":
		return "text/javascript, application/javascript, */*; q=0.01"
	case "xml":
		return "application/xml, text/xml, */*; q=0.01"
	case "html":
		return "text/html, */*; q=0.01"
	}
	return "text/plain, */*; q=0.01"
}

func httpRoundTrip(ctx context.Context, client *http.Client, req *ajaxRequest) *completion {
	outer := ctx
	if req.Settings.HTTPTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Settings.HTTPTimeout)
		defer cancel()
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return &completion{StatusText: "error", Err: err}
	}
	encoded, err := encodeValues(req.Data)
	if err != nil {
		return &completion{StatusText: "error", Err: err}
	}

	var body io.Reader
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		appendQuery(target, encoded)
	} else {
		body = strings.NewReader(encoded)
	}
	if req.callback != "" {
		appendQuery(target, url.QueryEscape(req.Settings.JSONPCallbackParam)+"="+url.QueryEscape(req.callback))
	}
	if req.Settings.NoCache {
		appendQuery(target, cacheBuster())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return &completion{StatusText: "error", Err: err}
	}
	httpReq.Header.Set("Accept", acceptHeader(req.Settings.DataType))
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
	for k, vs := range req.Settings.Headers {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return failedCompletion(outer, ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return failedCompletion(outer, ctx, err)
	}

	c := &completion{
		Status:      resp.StatusCode,
		Body:        raw,
		ContentType: resp.Header.Get("Content-Type"),
	}
	switch {
	case resp.StatusCode == http.StatusNoContent:
		c.StatusText = "nocontent"
	case resp.StatusCode == http.StatusNotModified:
		c.StatusText = "notmodified"
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		parsed, err := parseBody(req.Settings.DataType, raw, req.callback)
		if err != nil {
			c.StatusText = "parsererror"
			c.Err = err
		} else {
			c.StatusText = "success"
			c.Parsed = parsed
		}
	default:
		c.StatusText = "error"
		c.Err = fmt.Errorf("%s request failed with status %s", req.Method, resp.Status)
	}
	return c
}

func failedCompletion(outer, ctx context.Context, err error) *completion {
	c := &completion{StatusText: "error", Err: err}
	switch {
	case errors.Is(context.Cause(outer), ErrRequestAborted):
		c.StatusText = "abort"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.StatusText = "timeout"
	}
	return c
}

func parseBody(dataType string, body []byte, callback string) (any, error) {
	switch dataType {
	case "json":
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "jsonp":
		return unwrapJSONP(body, callback)
	case "xml":
		if err := checkXML(body); err != nil {
			return nil, err
		}
		return string(body), nil
	}
	return string(body), nil
}

// checkXML reports whether body is a well-formed document with a root element.
func checkXML(body []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	root := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("invalid XML: %w", err)
		}
		if _, ok := tok.(xml.StartElement); ok {
			root = true
		}
	}
	if !root {
		return errors.New("invalid XML: no document element")
	}
	return nil
}
