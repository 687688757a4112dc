package packet

import "strings"

// Type is the MQTT control packet type a stored packet represents.
type Type byte

// MQTT control packet types
const (
	CONNECT     Type = iota + 1 // client connection request
	CONNACK                     // connection acknowledgement
	PUBLISH                     // publish message
	PUBACK                      // QoS 1 acknowledgement
	PUBREC                      // QoS 2 step one
	PUBREL                      // QoS 2 step two
	PUBCOMP                     // QoS 2 step three
	SUBSCRIBE                   // subscribe request
	SUBACK                      // subscribe acknowledgement
	UNSUBSCRIBE                 // unsubscribe request
	UNSUBACK                    // unsubscribe acknowledgement
	PINGREQ                     // ping request
	PINGRESP                    // ping response
	DISCONNECT                  // disconnect notification
)

// TypeMap maps a Type to its canonical name
var TypeMap = map[Type]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

// String returns the canonical name of the Type
func (t Type) String() string {
	return TypeMap[t]
}

// ParseType resolves a stored command name, case-insensitively.
// Unknown names yield the zero Type.
func ParseType(name string) Type {
	name = strings.ToUpper(name)
	for t, s := range TypeMap {
		if s == name {
			return t
		}
	}
	return 0
}
