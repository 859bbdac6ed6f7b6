package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

type Serializer interface {
	encode(Message) ([]byte, error)
	decode([]byte) (any, error)
}

// JSONSerializer encodes messages as plain JSON objects.
type JSONSerializer struct{}

func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

func (s *JSONSerializer) encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// decode returns a Message for JSON objects and the plain decoded value for anything else.
func (s *JSONSerializer) decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return Message(m), nil
	}
	return v, nil
}

var jsonpWrapper = regexp.MustCompile(`(?s)^\s*(?:/\*\*/\s*)?([\w$.]+)\s*\((.*)\)\s*;?\s*$`)

// unwrapJSONP strips `callback(...)` from a JSONP body and decodes the JSON inside.
func unwrapJSONP(body []byte, callback string) (any, error) {
	m := jsonpWrapper.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("response is not a JSONP callback invocation")
	}
	if callback != "" && string(m[1]) != callback {
		return nil, fmt.Errorf("unexpected JSONP callback %q, want %q", m[1], callback)
	}
	var v any
	if err := json.Unmarshal(bytes.TrimSpace(m[2]), &v); err != nil {
		return nil, err
	}
	return v, nil
}
