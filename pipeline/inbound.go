package pipeline

import "time"

// Inbound is one raw message as handed over by a transport: the routing topic
// and the payload bytes, untouched. Everything the pipeline derives from it
// (subject, validated payload, events) is built downstream so a dead-lettered
// Inbound can be replayed through the full stage sequence.
type Inbound struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}
