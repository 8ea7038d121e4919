// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte

import (
	"time"

	"github.com/relvacode/iso8601"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Wire format of an individual value: the BSON document
// {"v": <value>, "t": <datetime>}.
type rawPayload struct {
	Value     bson.RawValue `bson:"v"`
	Timestamp bson.RawValue `bson:"t"`
}

func encodePayload(value any, timestamp time.Time) ([]byte, error) {
	doc := bson.D{{Key: "v", Value: value}}
	if !timestamp.IsZero() {
		doc = append(doc, bson.E{
			Key:   "t",
			Value: primitive.NewDateTimeFromTime(timestamp),
		})
	}
	return bson.Marshal(doc)
}

// Decode a payload for the given mapping type. The timestamp is zero if the
// sender did not include one.
func decodePayload(typ string, data []byte) (any, time.Time, error) {
	var p rawPayload
	if err := bson.Unmarshal(data, &p); err != nil {
		return nil, time.Time{}, err
	}
	if p.Value.Type == 0 {
		return nil, time.Time{}, errMissingValue
	}

	value, err := decodeValue(typ, p.Value)
	if err != nil {
		return nil, time.Time{}, err
	}

	var ts time.Time
	if p.Timestamp.Type != 0 {
		if ts, err = decodeTime(p.Timestamp); err != nil {
			return nil, time.Time{}, err
		}
	}
	return value, ts, nil
}

// Datetimes are BSON datetimes; ISO 8601 strings are accepted as well.
func decodeTime(rv bson.RawValue) (time.Time, error) {
	if s, ok := rv.StringValueOK(); ok {
		return iso8601.ParseString(s)
	}
	var t time.Time
	if err := rv.Unmarshal(&t); err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
