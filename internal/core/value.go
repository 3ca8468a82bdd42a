package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindSeq
	KindMap
)

// Value is the opaque payload the engine moves between nodes. Node outputs,
// input bundles, constants and the execution context are all Values; the
// engine never inspects their contents.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
	seq   []Value
	m     map[string]Value
}

func Null() Value                  { return Value{kind: KindNull} }
func Bool(v bool) Value            { return Value{kind: KindBool, b: v} }
func Int(v int64) Value            { return Value{kind: KindInt, i: v} }
func Float(v float64) Value        { return Value{kind: KindFloat, f: v} }
func String(v string) Value        { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value         { return Value{kind: KindBytes, bytes: v} }
func Seq(v ...Value) Value         { return Value{kind: KindSeq, seq: v} }
func Map(v map[string]Value) Value { return Value{kind: KindMap, m: v} }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) BoolVal() bool  { return v.b }
func (v Value) IntVal() int64  { return v.i }
func (v Value) FloatVal() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}
func (v Value) StringVal() string      { return v.s }
func (v Value) BytesVal() []byte       { return v.bytes }
func (v Value) SeqVal() []Value        { return v.seq }
func (v Value) MapVal() map[string]Value { return v.m }

// Clone returns a deep copy. Scalar variants share nothing; sequences, maps
// and byte slices are copied recursively.
func (v Value) Clone() Value {
	switch v.kind {
	case KindBytes:
		cp := make([]byte, len(v.bytes))
		copy(cp, v.bytes)
		return Value{kind: KindBytes, bytes: cp}
	case KindSeq:
		cp := make([]Value, len(v.seq))
		for i, e := range v.seq {
			cp[i] = e.Clone()
		}
		return Value{kind: KindSeq, seq: cp}
	case KindMap:
		cp := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			cp[k] = e.Clone()
		}
		return Value{kind: KindMap, m: cp}
	default:
		return v
	}
}

// MarshalJSON encodes the value for persisted columns. Bytes are stored as
// a tagged base64 object so they round-trip without being mistaken for a
// plain string.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(map[string]string{"$bytes": base64.StdEncoding.EncodeToString(v.bytes)})
	case KindSeq:
		if v.seq == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.seq)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	decoded, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Null(), err
		}
		return Float(f), nil
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case string:
		return String(t), nil
	case []any:
		seq := make([]Value, len(t))
		for i, e := range t {
			v, err := fromAny(e)
			if err != nil {
				return Null(), err
			}
			seq[i] = v
		}
		return Seq(seq...), nil
	case map[string]any:
		if enc, ok := t["$bytes"].(string); ok && len(t) == 1 {
			b, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return Null(), err
			}
			return Bytes(b), nil
		}
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := fromAny(e)
			if err != nil {
				return Null(), err
			}
			m[k] = v
		}
		return Map(m), nil
	default:
		return Null(), fmt.Errorf("value: cannot decode %T", raw)
	}
}

// FromAny converts a decoded YAML/JSON structure into a Value. Used by the
// graph definition loader.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint64:
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case []byte:
		return Bytes(t), nil
	case map[any]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return Null(), fmt.Errorf("value: non-string map key %v", k)
			}
			v, err := FromAny(e)
			if err != nil {
				return Null(), err
			}
			m[ks] = v
		}
		return Map(m), nil
	case []any:
		seq := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Null(), err
			}
			seq[i] = v
		}
		return Seq(seq...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Null(), err
			}
			m[k] = v
		}
		return Map(m), nil
	default:
		return fromAny(raw)
	}
}
