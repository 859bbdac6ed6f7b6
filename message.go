package api

// Message is a JSON object sent or received over a WebSockets connection.
// Outbound messages carry at least "event" and "subscription".
type Message map[string]any

const (
	pingEvent = "ping"
	pongEvent = "pong"
)

func (m Message) Event() string {
	s, _ := m["event"].(string)
	return s
}

func (m Message) Subscription() string {
	s, _ := m["subscription"].(string)
	return s
}

func isPong(data any) bool {
	m, ok := data.(Message)
	return ok && m.Event() == pongEvent
}
