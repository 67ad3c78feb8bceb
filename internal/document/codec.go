package document

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout (protobuf encoding, no generated code):
//
//	message Update { uint64 format = 15; repeated Op ops = 1; }
//	message Op {
//	  string peer = 1; uint64 counter = 2; uint64 lamport = 3;
//	  string container = 4; string key = 5; bytes value = 6; bool deleted = 7;
//	}
const (
	fieldUpdateOps    protowire.Number = 1
	fieldUpdateFormat protowire.Number = 15

	fieldOpPeer      protowire.Number = 1
	fieldOpCounter   protowire.Number = 2
	fieldOpLamport   protowire.Number = 3
	fieldOpContainer protowire.Number = 4
	fieldOpKey       protowire.Number = 5
	fieldOpValue     protowire.Number = 6
	fieldOpDeleted   protowire.Number = 7

	formatVersion = 1
)

func encodeOps(ops []op) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldUpdateFormat, protowire.VarintType)
	b = protowire.AppendVarint(b, formatVersion)
	for _, o := range ops {
		b = protowire.AppendTag(b, fieldUpdateOps, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(o))
	}
	return b
}

func encodeOp(o op) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOpPeer, protowire.BytesType)
	b = protowire.AppendString(b, o.peer)
	b = protowire.AppendTag(b, fieldOpCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, o.counter)
	b = protowire.AppendTag(b, fieldOpLamport, protowire.VarintType)
	b = protowire.AppendVarint(b, o.lamport)
	b = protowire.AppendTag(b, fieldOpContainer, protowire.BytesType)
	b = protowire.AppendString(b, string(o.container))
	b = protowire.AppendTag(b, fieldOpKey, protowire.BytesType)
	b = protowire.AppendString(b, o.key)
	if len(o.value) > 0 {
		b = protowire.AppendTag(b, fieldOpValue, protowire.BytesType)
		b = protowire.AppendBytes(b, o.value)
	}
	if o.deleted {
		b = protowire.AppendTag(b, fieldOpDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func decodeOps(b []byte) ([]op, error) {
	var ops []op
	sawFormat := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldUpdateFormat && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			if v != formatVersion {
				return nil, fmt.Errorf("%w: unsupported format %d", ErrMalformedUpdate, v)
			}
			sawFormat = true
			b = b[n:]
		case num == fieldUpdateOps && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			o, err := decodeOp(raw)
			if err != nil {
				return nil, err
			}
			ops = append(ops, o)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawFormat {
		return nil, fmt.Errorf("%w: missing format marker", ErrMalformedUpdate)
	}
	return ops, nil
}

func decodeOp(b []byte) (op, error) {
	var o op
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return op{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			switch num {
			case fieldOpCounter:
				o.counter = v
			case fieldOpLamport:
				o.lamport = v
			case fieldOpDeleted:
				o.deleted = protowire.DecodeBool(v)
			}
			b = b[n:]
			continue
		}

		if typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return op{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			switch num {
			case fieldOpPeer:
				o.peer = string(raw)
			case fieldOpContainer:
				o.container = Container(raw)
			case fieldOpKey:
				o.key = string(raw)
			case fieldOpValue:
				o.value = append([]byte(nil), raw...)
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return op{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if o.peer == "" || o.counter == 0 {
		return op{}, fmt.Errorf("%w: op without origin", ErrMalformedUpdate)
	}
	return o, nil
}
