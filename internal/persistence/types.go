package persistence

import (
	"errors"
	"strings"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/packet"
)

// Store names, also used as file and collection names.
const (
	IncomingStoreName     = "incoming"
	OutgoingStoreName     = "outgoing"
	RetainedStoreName     = "retained"
	SubscriptionStoreName = "subscriptions"
	WillStoreName         = "wills"
)

var storeNames = []string{IncomingStoreName, OutgoingStoreName, RetainedStoreName, SubscriptionStoreName, WillStoreName}

var (
	ErrStoreUnavailable = errors.New("persistence has been destroyed")
	ErrNotFound         = errors.New("packet not found")
	ErrClientIDEmpty    = errors.New("client_id is empty")
	ErrInvalidPacket    = errors.New("invalid packet")
)

// Subscription is one topic filter a client subscribed to.
type Subscription struct {
	ClientID string `bson:"clientId"`
	Topic    string `bson:"topic"`
	QoS      byte   `bson:"qos"`
}

// Will is a stored last-will message with its owning client.
type Will struct {
	ClientID string
	Packet   *packet.Packet
}

// clientRecord is the layout of the outgoing, incoming and will stores.
type clientRecord struct {
	ClientID string        `bson:"clientId"`
	Packet   packet.Packet `bson:"packet"`
}

// Field paths inside a clientRecord.
const (
	fieldClientID      = "clientId"
	fieldTopic         = "topic"
	fieldQoS           = "qos"
	fieldMessageID     = "packet.messageId"
	fieldBrokerID      = "packet.brokerId"
	fieldBrokerCounter = "packet.brokerCounter"
)

// TopicPrefix returns the literal part of a topic filter, cutting it at the
// first wildcard.
func TopicPrefix(filter string) string {
	if i := strings.IndexAny(filter, "#+"); i >= 0 {
		return filter[:i]
	}
	return filter
}
