// Package packet holds the packet model shared by every logical store and the
// codec that moves packets across the store boundary.
package packet

import (
	"bytes"
	"fmt"
)

// Packet is the persisted form of an MQTT packet.
//
// MessageID is the wire packet identifier, zero while unassigned. BrokerID and
// BrokerCounter are surrogate identifiers given by the broker before a wire id
// exists; both are empty when the broker has not assigned them.
type Packet struct {
	Cmd           Type
	Topic         string
	Payload       []byte
	QoS           byte
	Retain        bool
	Dup           bool
	MessageID     uint16
	BrokerID      string
	BrokerCounter uint64
}

// HasBrokerIdentity reports whether the packet carries broker surrogate ids.
func (p *Packet) HasBrokerIdentity() bool {
	return p.BrokerID != ""
}

// Clone returns a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	c := *p
	if p.Payload != nil {
		c.Payload = bytes.Clone(p.Payload)
	}
	return &c
}

// Equal compares two packets field by field, treating nil and empty payloads alike.
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Cmd == o.Cmd &&
		p.Topic == o.Topic &&
		bytes.Equal(p.Payload, o.Payload) &&
		p.QoS == o.QoS &&
		p.Retain == o.Retain &&
		p.Dup == o.Dup &&
		p.MessageID == o.MessageID &&
		p.BrokerID == o.BrokerID &&
		p.BrokerCounter == o.BrokerCounter
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s topic=%s qos=%d mid=%d broker=%s/%d len=%d",
		p.Cmd, p.Topic, p.QoS, p.MessageID, p.BrokerID, p.BrokerCounter, len(p.Payload))
}
