package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var jsonpCallbacks = newAtomicRef()

// hiddenForm is the invisible form a cross-domain POST is submitted through.
type hiddenForm struct {
	Action string
	Target string
	Fields url.Values
}

// JSONP reads through script-tag callbacks for GET and posts through a hidden
// form for POST. A form post cannot observe its response.
type JSONP struct {
	*AJAX

	formMu  sync.Mutex
	form    *hiddenForm
	submits map[*ajaxCall]struct{}
}

func NewJSONP(cfg TransportConfig) *JSONP {
	j := &JSONP{
		AJAX:    NewAJAX(cfg),
		submits: make(map[*ajaxCall]struct{}),
	}
	j.customize = func(req *ajaxRequest) {
		req.Settings.DataType = "jsonp"
		req.callback = fmt.Sprintf("echo_jsonp_%d", jsonpCallbacks.nextRef())
	}
	return j
}

func jsonpAvailable(*Environment, availability) bool {
	return true
}

func (j *JSONP) Name() string { return TransportJSONP }

// Connect prepares the hidden form of a POST transport.
func (j *JSONP) Connect() {
	cfg := j.config()
	if cfg.Method != http.MethodPost || cfg.URI == "" {
		return
	}

	j.formMu.Lock()
	defer j.formMu.Unlock()

	if j.form == nil {
		j.form = &hiddenForm{
			Action: j.url(cfg),
			Target: "echo-post-" + uuid.NewString(),
		}
	}
}

func (j *JSONP) Send(payload any) error {
	cfg := j.config()
	if cfg.Method != http.MethodPost || cfg.URI == "" {
		return j.AJAX.Send(payload)
	}

	j.formMu.Lock()
	if j.form == nil {
		j.formMu.Unlock()
		j.Connect()
		j.formMu.Lock()
	}
	form := j.form
	fields, err := toValues(mergeData(cfg.Data, payload))
	if err != nil {
		j.formMu.Unlock()
		return err
	}
	form.Fields = fields

	ctx, cancel := context.WithCancelCause(context.Background())
	call := &ajaxCall{cancel: cancel}
	j.submits[call] = struct{}{}
	j.formMu.Unlock()

	go j.submit(ctx, call, cfg, form.Action, fields)

	cfg.Handlers.data(nil)
	return nil
}

func (j *JSONP) submit(ctx context.Context, call *ajaxCall, cfg TransportConfig, action string, fields url.Values) {
	defer func() {
		j.formMu.Lock()
		delete(j.submits, call)
		j.formMu.Unlock()
		call.cancel(nil)
	}()

	if cfg.Settings.HTTPTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Settings.HTTPTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(fields.Encode()))
	if err != nil {
		j.logger.Printf(LogWarning, "jsonp", "form post to %s: %v", action, err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := cfg.Env.HTTPClient.Do(req)
	if err != nil {
		j.logger.Printf(LogDebug, "jsonp", "form post to %s: %v", action, err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// Abort removes the hidden form and cancels its submissions when there is
// one. Otherwise it aborts the pending callback requests.
func (j *JSONP) Abort(force bool) {
	j.formMu.Lock()
	if j.form == nil {
		j.formMu.Unlock()
		j.AJAX.Abort(force)
		return
	}
	j.form = nil
	calls := make([]*ajaxCall, 0, len(j.submits))
	for call := range j.submits {
		calls = append(calls, call)
	}
	j.formMu.Unlock()

	for _, call := range calls {
		call.cancel(ErrRequestAborted)
	}
}

func (j *JSONP) formTarget() string {
	j.formMu.Lock()
	defer j.formMu.Unlock()

	if j.form == nil {
		return ""
	}
	return j.form.Target
}
