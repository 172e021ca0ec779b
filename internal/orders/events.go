package orders

// EventType enumerates the order-lifecycle transitions Handlers publishes
// to an EventSink, the orders-package half of spec.md §4.3's
// ExchangeEvent.Order variant.
type EventType int

const (
	EventCreateSucceeded EventType = iota
	EventCreateFailed
	EventFilled
	EventCompleted
	EventCancelSucceeded
	EventCancelFailed
)

func (t EventType) String() string {
	switch t {
	case EventCreateSucceeded:
		return "create_succeeded"
	case EventCreateFailed:
		return "create_failed"
	case EventFilled:
		return "filled"
	case EventCompleted:
		return "completed"
	case EventCancelSucceeded:
		return "cancel_succeeded"
	case EventCancelFailed:
		return "cancel_failed"
	default:
		return "unknown"
	}
}

// LifecycleEvent is one state transition Handlers has just applied. Fill is
// only populated for EventFilled.
type LifecycleEvent struct {
	Type  EventType
	Order *Order
	Fill  Fill
}

// EventSink receives every order-lifecycle transition Handlers applies.
// The engine package implements it (engineEventSink) to republish onto the
// owning account's event bus; keeping the interface here (rather than a callback type in
// exchange) lets orders stay free of any dependency on exchange, which
// already imports orders.
type EventSink interface {
	PublishOrderEvent(LifecycleEvent)
}
