package api

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeData(t *testing.T) {
	tests := []struct {
		name    string
		config  any
		payload any
		want    any
	}{
		{"payload over config", Data{"q": "a", "appkey": "k"}, Data{"q": "b"}, Data{"q": "b", "appkey": "k"}},
		{"config only", Data{"appkey": "k"}, nil, Data{"appkey": "k"}},
		{"plain maps", map[string]string{"appkey": "k"}, map[string]any{"q": 1}, Data{"appkey": "k", "q": 1}},
		{"raw payload wins", Data{"appkey": "k"}, "q=raw", "q=raw"},
		{"raw bytes payload", nil, []byte("raw"), "raw"},
		{"raw config", "appkey=k", Data{"q": "b"}, "appkey=k"},
		{"nothing", nil, nil, Data{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeData(tt.config, tt.payload))
		})
	}
}

func TestMergeDataDoesNotModifyConfig(t *testing.T) {
	config := Data{"appkey": "k"}
	mergeData(config, Data{"q": "b"})
	assert.Equal(t, Data{"appkey": "k"}, config)
}

func TestEncodeValues(t *testing.T) {
	encoded, err := encodeValues(Data{
		"q":      "scope:http://example.com/*",
		"limit":  10,
		"nested": map[string]any{"a": []int{1, 2}},
		"empty":  nil,
		"flag":   true,
	})
	require.NoError(t, err)

	values, err := url.ParseQuery(encoded)
	require.NoError(t, err)
	assert.Equal(t, "scope:http://example.com/*", values.Get("q"))
	assert.Equal(t, "10", values.Get("limit"))
	assert.Equal(t, `{"a":[1,2]}`, values.Get("nested"))
	assert.Equal(t, "true", values.Get("flag"))
	assert.True(t, values.Has("empty"))
}

func TestEncodeValuesRaw(t *testing.T) {
	encoded, err := encodeValues("a=1&b=2")
	require.NoError(t, err)
	assert.Equal(t, "a=1&b=2", encoded)
}

func TestEncodeValuesRejectsScalars(t *testing.T) {
	_, err := encodeValues(42)
	assert.Error(t, err)
}

func TestJSONSerializer(t *testing.T) {
	s := NewJSONSerializer()

	b, err := s.encode(Message{"event": "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(b))

	v, err := s.decode([]byte(`{"event":"pong","subscription":"abc"}`))
	require.NoError(t, err)
	msg, ok := v.(Message)
	require.True(t, ok, "objects decode to Message")
	assert.Equal(t, "pong", msg.Event())
	assert.Equal(t, "abc", msg.Subscription())
	assert.True(t, isPong(v))

	v, err = s.decode([]byte(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, v)
	assert.False(t, isPong(v))

	_, err = s.decode([]byte(`{"event":`))
	assert.Error(t, err)
}

func TestUnwrapJSONP(t *testing.T) {
	v, err := unwrapJSONP([]byte(`echo_jsonp_1({"result":"success"});`), "echo_jsonp_1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "success"}, v)

	v, err = unwrapJSONP([]byte("/**/ cb (\n[1]\n)"), "")
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1)}, v)

	_, err = unwrapJSONP([]byte(`other({})`), "echo_jsonp_1")
	assert.Error(t, err)

	_, err = unwrapJSONP([]byte(`{"result":"success"}`), "cb")
	assert.Error(t, err)

	_, err = unwrapJSONP([]byte(`cb({"result":)`), "cb")
	assert.Error(t, err)
}

func TestCheckXML(t *testing.T) {
	assert.NoError(t, checkXML([]byte(`<?xml version="1.0"?><a><b/></a>`)))
	assert.Error(t, checkXML([]byte(`<a><b></a>`)))
	assert.Error(t, checkXML([]byte(`just text`)))
}
