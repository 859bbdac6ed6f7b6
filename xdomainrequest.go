package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

var (
	jsonContentType = regexp.MustCompile(`(?i)json`)
	xmlContentType  = regexp.MustCompile(`(?i)xml`)
)

// XDomainRequest is AJAX over the legacy cross-domain request object. It
// behaves as plain AJAX when the target is on the page's own host.
type XDomainRequest struct {
	*AJAX
}

func NewXDomainRequest(cfg TransportConfig) *XDomainRequest {
	x := &XDomainRequest{AJAX: NewAJAX(cfg)}
	x.customize = x.prepare
	return x
}

func xDomainRequestAvailable(env *Environment, a availability) bool {
	if a.Method != http.MethodGet && a.Method != http.MethodPost {
		return false
	}
	return env.XDomainRequest && env.pageScheme() == httpScheme(a.Secure)
}

func (x *XDomainRequest) Name() string { return TransportXDomainRequest }

func (x *XDomainRequest) Reconfigure(cfg TransportConfig) {
	cfg.Settings.NoCache = true
	x.AJAX.Reconfigure(cfg)
}

func (x *XDomainRequest) prepare(req *ajaxRequest) {
	req.Settings.NoCache = true

	env := x.config().Env
	target, err := url.Parse(req.URL)
	if err == nil && strings.EqualFold(target.Hostname(), env.pageHost()) {
		return
	}
	if !env.CORS && env.XDomainRequest {
		req.roundTrip = legacyRoundTrip
	}
}

// legacyRoundTrip mimics the legacy object: no custom headers, a text/plain
// body and a status that is either 200 or 500.
func legacyRoundTrip(ctx context.Context, client *http.Client, req *ajaxRequest) *completion {
	outer := ctx
	if req.Settings.HTTPTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Settings.HTTPTimeout)
		defer cancel()
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return &completion{Status: http.StatusInternalServerError, StatusText: "error", Err: err}
	}
	encoded, err := encodeValues(req.Data)
	if err != nil {
		return &completion{Status: http.StatusInternalServerError, StatusText: "error", Err: err}
	}

	var body io.Reader
	if req.Method == http.MethodGet {
		appendQuery(target, encoded)
	} else {
		body = strings.NewReader(encoded)
	}
	if req.Settings.NoCache {
		appendQuery(target, cacheBuster())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return &completion{Status: http.StatusInternalServerError, StatusText: "error", Err: err}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "text/plain")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		c := failedCompletion(outer, ctx, err)
		if c.StatusText != "abort" {
			c.Status = http.StatusInternalServerError
		}
		return c
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c := failedCompletion(outer, ctx, err)
		if c.StatusText != "abort" {
			c.Status = http.StatusInternalServerError
		}
		return c
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// the legacy object never exposes the body of a failed response
		return &completion{
			Status:     http.StatusInternalServerError,
			StatusText: "error",
			Err:        fmt.Errorf("%s request failed with status %s", req.Method, resp.Status),
		}
	}

	parsed, err := parseLegacyBody(req.Settings.DataType, contentType, raw)
	if err != nil {
		return &completion{
			Status:      http.StatusInternalServerError,
			StatusText:  "parseerror",
			Body:        raw,
			ContentType: contentType,
			Err:         err,
		}
	}
	return &completion{
		Status:      http.StatusOK,
		StatusText:  "success",
		Body:        raw,
		ContentType: contentType,
		Parsed:      parsed,
	}
}

func parseLegacyBody(dataType, contentType string, body []byte) (any, error) {
	switch {
	case dataType == "json" || (dataType != "text" && jsonContentType.MatchString(contentType)):
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	case dataType == "xml" || (dataType != "text" && xmlContentType.MatchString(contentType)):
		if err := checkXML(body); err != nil {
			return nil, errors.Join(errors.New("xml parse error"), err)
		}
		return string(body), nil
	}
	return string(body), nil
}
