package api

import "time"

const (
	// defaultAPIBaseURL is prefixed to the endpoint of every Request
	defaultAPIBaseURL = "//api.echoenabled.com/v1/"

	// defaultRequestTimeout is how long a Request waits for the first callback
	defaultRequestTimeout = 30 * time.Second

	defaultMethod   = "GET"
	defaultDataType = "json"

	defaultJSONPCallbackParam = "callback"

	// defaultMaxConnectRetries is how many pongs may be missed before reconnecting
	defaultMaxConnectRetries = 3

	// defaultServerPingInterval is the client-server ping-pong interval
	defaultServerPingInterval = 30 * time.Second

	// defaultReconnectTimeout bounds the dial retries of one reconnect cycle
	defaultReconnectTimeout = time.Minute

	// sendBufferSize is how many messages may wait for a connecting socket
	sendBufferSize = 100

	// closeGracePeriod is how long the close frame gets before the conn is dropped
	closeGracePeriod = 250 * time.Millisecond
)

var defaultProtocols = []string{"liveupdate.ws.echoenabled.com"}
