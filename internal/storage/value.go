package storage

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IDField is the primary key of every stored document.
const IDField = "_id"

var ErrInvalidDocument = errors.New("invalid document")

// Lookup resolves a dotted field path inside an encoded document.
func Lookup(doc bson.Raw, field string) (bson.RawValue, bool) {
	v, err := doc.LookupErr(strings.Split(field, ".")...)
	if err != nil {
		return bson.RawValue{}, false
	}
	return v, true
}

// ToRawValue encodes an arbitrary Go value as a BSON value. Values that cannot
// be encoded become null.
func ToRawValue(v any) bson.RawValue {
	if rv, ok := v.(bson.RawValue); ok {
		return rv
	}
	t, data, err := bson.MarshalValue(v)
	if err != nil {
		return bson.RawValue{Type: bsontype.Null}
	}
	return bson.RawValue{Type: t, Value: data}
}

// Compare orders two BSON values of comparable kinds. Numbers compare across
// int32, int64 and double. ok is false when the kinds are not comparable.
func Compare(a, b bson.RawValue) (c int, ok bool) {
	if ai, aok := integer(a); aok {
		if bi, bok := integer(b); bok {
			return cmp.Compare(ai, bi), true
		}
	}
	if an, aok := number(a); aok {
		bn, bok := number(b)
		if !bok {
			return 0, false
		}
		return cmp.Compare(an, bn), true
	}
	if isNull(a) || isNull(b) {
		if isNull(a) && isNull(b) {
			return 0, true
		}
		return 0, false
	}
	if a.Type != b.Type {
		return 0, false
	}
	switch a.Type {
	case bsontype.String:
		return strings.Compare(a.StringValue(), b.StringValue()), true
	case bsontype.ObjectID:
		ao, bo := a.ObjectID(), b.ObjectID()
		return bytes.Compare(ao[:], bo[:]), true
	case bsontype.Boolean:
		ab, bb := a.Boolean(), b.Boolean()
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	case bsontype.DateTime:
		return cmp.Compare(a.DateTime(), b.DateTime()), true
	case bsontype.Binary:
		_, ad := a.Binary()
		_, bd := b.Binary()
		return bytes.Compare(ad, bd), true
	default:
		if bytes.Equal(a.Value, b.Value) {
			return 0, true
		}
		return 0, false
	}
}

func integer(v bson.RawValue) (int64, bool) {
	switch v.Type {
	case bsontype.Int32:
		return int64(v.Int32()), true
	case bsontype.Int64:
		return v.Int64(), true
	}
	return 0, false
}

func number(v bson.RawValue) (float64, bool) {
	switch v.Type {
	case bsontype.Int32:
		return float64(v.Int32()), true
	case bsontype.Int64:
		return float64(v.Int64()), true
	case bsontype.Double:
		return v.Double(), true
	}
	return 0, false
}

func isNull(v bson.RawValue) bool {
	return v.Type == 0 || v.Type == bsontype.Null || v.Type == bsontype.Undefined
}

// IDOf returns the primary key of a stored document.
func IDOf(doc bson.Raw) (primitive.ObjectID, bool) {
	v, err := doc.LookupErr(IDField)
	if err != nil {
		return primitive.NilObjectID, false
	}
	return v.ObjectIDOK()
}

// EnsureID encodes doc and gives it a fresh primary key when it has none.
func EnsureID(doc any) (bson.Raw, primitive.ObjectID, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, primitive.NilObjectID, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if id, ok := IDOf(raw); ok {
		return raw, id, nil
	}
	var d bson.D
	if err = bson.Unmarshal(raw, &d); err != nil {
		return nil, primitive.NilObjectID, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	id := primitive.NewObjectID()
	d = append(bson.D{{Key: IDField, Value: id}}, d...)
	raw, err = bson.Marshal(d)
	if err != nil {
		return nil, primitive.NilObjectID, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return raw, id, nil
}

// WithID encodes doc with the given primary key, replacing any it carries.
func WithID(doc any, id primitive.ObjectID) (bson.Raw, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var d bson.D
	if err = bson.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	out := bson.D{{Key: IDField, Value: id}}
	for _, e := range d {
		if e.Key != IDField {
			out = append(out, e)
		}
	}
	return bson.Marshal(out)
}

// SetField returns a copy of doc with the dotted field set to value, creating
// intermediate documents as needed.
func SetField(doc bson.Raw, field string, value any) (bson.Raw, error) {
	var d bson.D
	if err := bson.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	d, err := setPath(d, strings.Split(field, "."), value)
	if err != nil {
		return nil, err
	}
	return bson.Marshal(d)
}

func setPath(d bson.D, path []string, value any) (bson.D, error) {
	for i, e := range d {
		if e.Key != path[0] {
			continue
		}
		if len(path) == 1 {
			d[i].Value = value
			return d, nil
		}
		child, ok := e.Value.(bson.D)
		if !ok {
			return nil, fmt.Errorf("%w: field %q is not a document", ErrInvalidDocument, e.Key)
		}
		child, err := setPath(child, path[1:], value)
		if err != nil {
			return nil, err
		}
		d[i].Value = child
		return d, nil
	}
	if len(path) == 1 {
		return append(d, bson.E{Key: path[0], Value: value}), nil
	}
	child, err := setPath(bson.D{}, path[1:], value)
	if err != nil {
		return nil, err
	}
	return append(d, bson.E{Key: path[0], Value: child}), nil
}
