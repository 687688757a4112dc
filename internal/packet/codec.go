package packet

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var ErrPayloadType = errors.New("unsupported payload encoding")

// document is the store-native layout of a Packet.
type document struct {
	Cmd           string        `bson:"cmd,omitempty"`
	Topic         string        `bson:"topic"`
	Payload       bson.RawValue `bson:"payload"`
	QoS           byte          `bson:"qos"`
	Retain        bool          `bson:"retain"`
	Dup           bool          `bson:"dup"`
	MessageID     uint16        `bson:"messageId,omitempty"`
	BrokerID      string        `bson:"brokerId,omitempty"`
	BrokerCounter uint64        `bson:"brokerCounter,omitempty"`
}

// EncodePayload converts a raw byte buffer to its store-native form, a generic
// BSON binary. A nil buffer encodes as null.
func EncodePayload(payload []byte) bson.RawValue {
	if payload == nil {
		return bson.RawValue{Type: bsontype.Null}
	}
	t, data, err := bson.MarshalValue(primitive.Binary{Subtype: bsontype.BinaryGeneric, Data: payload})
	if err != nil {
		// marshalling a binary value cannot fail
		panic(err)
	}
	return bson.RawValue{Type: t, Value: data}
}

// DecodePayload converts a stored payload back to a raw byte buffer.
//
// Besides the native binary form it accepts plain strings, arrays of byte
// values and the {"type": "Buffer", "data": [...]} object written by
// JSON-serialising stores, so records written by other tools still load.
// Empty payloads decode as nil.
func DecodePayload(v bson.RawValue) ([]byte, error) {
	var out []byte
	switch v.Type {
	case 0, bsontype.Null, bsontype.Undefined:
		return nil, nil
	case bsontype.Binary:
		_, data := v.Binary()
		out = data
	case bsontype.String:
		out = []byte(v.StringValue())
	case bsontype.Array:
		b, err := decodeByteArray(v.Array())
		if err != nil {
			return nil, err
		}
		out = b
	case bsontype.EmbeddedDocument:
		doc := v.Document()
		kind, ok := doc.Lookup("type").StringValueOK()
		if !ok || kind != "Buffer" {
			return nil, fmt.Errorf("%w: object payload without buffer marker", ErrPayloadType)
		}
		data, ok := doc.Lookup("data").ArrayOK()
		if !ok {
			return nil, fmt.Errorf("%w: buffer object without data", ErrPayloadType)
		}
		b, err := decodeByteArray(data)
		if err != nil {
			return nil, err
		}
		out = b
	default:
		return nil, fmt.Errorf("%w: %s", ErrPayloadType, v.Type)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return append([]byte(nil), out...), nil
}

func decodeByteArray(arr bson.Raw) ([]byte, error) {
	values, err := arr.Values()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(values))
	for _, v := range values {
		var n int64
		switch v.Type {
		case bsontype.Int32:
			n = int64(v.Int32())
		case bsontype.Int64:
			n = v.Int64()
		case bsontype.Double:
			n = int64(v.Double())
		default:
			return nil, fmt.Errorf("%w: array element %s", ErrPayloadType, v.Type)
		}
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: byte value %d out of range", ErrPayloadType, n)
		}
		out = append(out, byte(n))
	}
	return out, nil
}

// MarshalBSON encodes the packet in its store-native layout.
func (p Packet) MarshalBSON() ([]byte, error) {
	doc := document{
		Topic:         p.Topic,
		Payload:       EncodePayload(p.Payload),
		QoS:           p.QoS,
		Retain:        p.Retain,
		Dup:           p.Dup,
		MessageID:     p.MessageID,
		BrokerID:      p.BrokerID,
		BrokerCounter: p.BrokerCounter,
	}
	if p.Cmd != 0 {
		doc.Cmd = p.Cmd.String()
	}
	return bson.Marshal(doc)
}

// UnmarshalBSON decodes a stored packet, normalising its payload.
func (p *Packet) UnmarshalBSON(data []byte) error {
	var doc document
	if err := bson.Unmarshal(data, &doc); err != nil {
		return err
	}
	payload, err := DecodePayload(doc.Payload)
	if err != nil {
		return err
	}
	*p = Packet{
		Cmd:           ParseType(doc.Cmd),
		Topic:         doc.Topic,
		Payload:       payload,
		QoS:           doc.QoS,
		Retain:        doc.Retain,
		Dup:           doc.Dup,
		MessageID:     doc.MessageID,
		BrokerID:      doc.BrokerID,
		BrokerCounter: doc.BrokerCounter,
	}
	return nil
}

// Encode returns the store-native document for a packet.
func Encode(p *Packet) (bson.Raw, error) {
	return bson.Marshal(p)
}

// Decode reads a packet from its store-native document.
func Decode(raw bson.Raw) (*Packet, error) {
	var p Packet
	if err := bson.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
