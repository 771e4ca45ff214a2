package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hanpama/graphcache/internal/record"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Snapshot layout: magic, big-endian xxhash64 of the payload, then the
// payload, a protobuf google.protobuf.Struct mapping record keys to
// {"fields": {...}, "mutationId": "..."}.
//
// Values that structpb cannot tell apart are tagged with single-key
// objects: {"$ref": key} for references, {"$int": "decimal"} for integers
// and {"$obj": {...}} for object scalars.
var snapshotMagic = []byte("GCS1")

var ErrCorruptSnapshot = errors.New("cache: corrupt snapshot")

const (
	tagRef = "$ref"
	tagInt = "$int"
	tagObj = "$obj"
)

// WriteSnapshot encodes records to w.
func WriteSnapshot(w io.Writer, records map[string]*record.Record) error {
	msg := snapshotStruct(records)
	payload, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cache: marshal snapshot: %w", err)
	}

	var header [12]byte
	copy(header[:4], snapshotMagic)
	binary.BigEndian.PutUint64(header[4:], xxhash.Sum64(payload))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadSnapshot decodes records written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (map[string]*record.Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < 12 || !bytes.Equal(data[:4], snapshotMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptSnapshot)
	}
	payload := data[12:]
	if binary.BigEndian.Uint64(data[4:12]) != xxhash.Sum64(payload) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	msg := &structpb.Struct{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return recordsFromStruct(msg)
}

// SnapshotJSON renders records in the snapshot's Struct form as indented
// JSON, for inspection.
func SnapshotJSON(records map[string]*record.Record) ([]byte, error) {
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(snapshotStruct(records))
}

func snapshotStruct(records map[string]*record.Record) *structpb.Struct {
	msg := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(records))}
	for key, rec := range records {
		fields := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(rec.Fields))}
		for name, v := range rec.Fields {
			fields.Fields[name] = encodeValue(v)
		}
		entry := &structpb.Struct{Fields: map[string]*structpb.Value{
			"fields": structpb.NewStructValue(fields),
		}}
		if rec.MutationID != uuid.Nil {
			entry.Fields["mutationId"] = structpb.NewStringValue(rec.MutationID.String())
		}
		msg.Fields[key] = structpb.NewStructValue(entry)
	}
	return msg
}

func recordsFromStruct(msg *structpb.Struct) (map[string]*record.Record, error) {
	out := make(map[string]*record.Record, len(msg.GetFields()))
	for key, entry := range msg.GetFields() {
		es := entry.GetStructValue()
		if es == nil {
			return nil, fmt.Errorf("%w: record %q is not an object", ErrCorruptSnapshot, key)
		}
		fields := make(map[string]record.Value)
		for name, v := range es.GetFields()["fields"].GetStructValue().GetFields() {
			dv, err := decodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("%w: record %q field %q: %v", ErrCorruptSnapshot, key, name, err)
			}
			fields[name] = dv
		}
		rec := record.New(key, fields)
		if id := es.GetFields()["mutationId"].GetStringValue(); id != "" {
			mid, err := uuid.Parse(id)
			if err != nil {
				return nil, fmt.Errorf("%w: record %q: %v", ErrCorruptSnapshot, key, err)
			}
			rec.MutationID = mid
		}
		out[key] = rec
	}
	return out, nil
}

func tagged(tag string, v *structpb.Value) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{tag: v}})
}

func encodeValue(v record.Value) *structpb.Value {
	switch x := v.(type) {
	case nil, record.Null:
		return structpb.NewNullValue()
	case record.Bool:
		return structpb.NewBoolValue(bool(x))
	case record.Int:
		return tagged(tagInt, structpb.NewStringValue(strconv.FormatInt(int64(x), 10)))
	case record.Float:
		return structpb.NewNumberValue(float64(x))
	case record.String:
		return structpb.NewStringValue(string(x))
	case record.Reference:
		return tagged(tagRef, structpb.NewStringValue(x.Key))
	case record.List:
		values := make([]*structpb.Value, len(x))
		for i, item := range x {
			values[i] = encodeValue(item)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values})
	case record.Object:
		fields := make(map[string]*structpb.Value, len(x))
		for k, item := range x {
			fields[k] = encodeValue(item)
		}
		return tagged(tagObj, structpb.NewStructValue(&structpb.Struct{Fields: fields}))
	default:
		panic(fmt.Sprintf("cache: unknown value %T", v))
	}
}

func decodeValue(v *structpb.Value) (record.Value, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue, nil:
		return record.Null{}, nil
	case *structpb.Value_BoolValue:
		return record.Bool(k.BoolValue), nil
	case *structpb.Value_NumberValue:
		return record.Float(k.NumberValue), nil
	case *structpb.Value_StringValue:
		return record.String(k.StringValue), nil
	case *structpb.Value_ListValue:
		out := make(record.List, len(k.ListValue.GetValues()))
		for i, item := range k.ListValue.GetValues() {
			dv, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		if len(fields) != 1 {
			return nil, fmt.Errorf("untagged object with %d keys", len(fields))
		}
		if ref, ok := fields[tagRef]; ok {
			return record.Reference{Key: ref.GetStringValue()}, nil
		}
		if iv, ok := fields[tagInt]; ok {
			n, err := strconv.ParseInt(iv.GetStringValue(), 10, 64)
			if err != nil {
				return nil, err
			}
			return record.Int(n), nil
		}
		if obj, ok := fields[tagObj]; ok {
			out := make(record.Object)
			for name, item := range obj.GetStructValue().GetFields() {
				dv, err := decodeValue(item)
				if err != nil {
					return nil, err
				}
				out[name] = dv
			}
			return out, nil
		}
		return nil, errors.New("unknown object tag")
	default:
		return nil, fmt.Errorf("unsupported kind %T", k)
	}
}
