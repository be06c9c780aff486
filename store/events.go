package store

import "sync"

// Event is delivered to subscribers of an events.Bus topic.
type Event struct {
	Topic string
	Data  any
}

// Handler receives events for a subscribed topic.
type Handler func(Event)

// Bus is a minimal publisher-subscriber notification bus. The spec
// describes per-type change events, server-invalidation events, and a
// handful of store-wide lifecycle events (§6.2); rather than give each of
// these its own Go channel or callback slice, they are all routed through
// one topic-keyed Bus, grounded on the teacher's annotations.Handler
// pattern (datalog/annotations/output.go) of a single Handle(Event)
// interface fed by a dispatcher.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]Handler
}

func newBus() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers fn to receive every event published on topic. It
// returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], fn)
	idx := len(b.subs[topic]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subs[topic]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Emit synchronously delivers data to every subscriber of topic.
func (b *Bus) Emit(topic string, data any) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.subs[topic]...)
	b.mu.Unlock()
	evt := Event{Topic: topic, Data: data}
	for _, h := range handlers {
		if h != nil {
			h(evt)
		}
	}
}

// Well-known topic names (spec §6.2 "Events").
const (
	TopicWillCommit        = "willCommit"
	TopicDidCommit          = "didCommit"
	TopicRecordUserCreate   = "record:user:create"
	TopicRecordUserUpdate   = "record:user:update"
	TopicRecordUserDestroy  = "record:user:destroy"
	TopicRecordCommitError  = "record:commit:error"
)

// TypeTopic is the per-type change-notification topic: any mutation to a
// record of this type (including bulk source fetches) is published here.
// LocalQuery subscribes to this to know when to go OBSOLETE; WindowedQuery
// listens on ServerTopic instead.
func TypeTopic(typ TypeName) string {
	return string(typ)
}

// ServerTopic is the per-(type,account) server-invalidation topic used by
// sourceStateDidChange to tell remote queries their result may be stale.
func ServerTopic(typ TypeName, account AccountID) string {
	return string(typ) + ":server:" + string(account)
}
