package bus

import "time"

// Event is a domain event published in-process. Kinds are dot-separated
// and namespaced by the owning component: "conn." for connectivity,
// "chat." for conversation state, "outbox." for the dispatch queue and
// "session." for daemon lifecycle.
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}
