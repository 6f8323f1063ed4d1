package model

// DeliveryOutcome tells a transport how to settle an inbound message.
type DeliveryOutcome int

const (
	// DeliveryAck settles the message; every handler is done with it.
	DeliveryAck DeliveryOutcome = iota
	// DeliveryRequeue asks the transport to deliver the message again later.
	DeliveryRequeue
	// DeliveryReject drops the message to the transport's dead-letter area.
	DeliveryReject
)

func (o DeliveryOutcome) String() string {
	switch o {
	case DeliveryAck:
		return "ack"
	case DeliveryRequeue:
		return "requeue"
	case DeliveryReject:
		return "reject"
	default:
		return "unknown"
	}
}
