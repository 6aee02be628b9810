package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Value type tags. The wire value universe is fixed: anything outside
// of it must be rejected by the decoder.
const (
	tagNull   = 0x00
	tagFalse  = 0x01
	tagTrue   = 0x02
	tagInt64  = 0x03
	tagFloat  = 0x04
	tagString = 0x05
	tagBytes  = 0x06
	tagList   = 0x07
	tagMap    = 0x08
)

// maxNestingDepth bounds list/map recursion while decoding.
const maxNestingDepth = 32

// Value is a decoded wire value. The dynamic type is one of:
// nil, bool, int64, float64, string, []byte, []Value, Map.
type Value = any

// Map is a string-keyed wire record.
type Map = map[string]Value

// AppendValue encodes v and appends the encoding to dst.
// Returns an error if v is outside the wire value universe.
func AppendValue(dst []byte, v Value) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(dst, tagNull), nil
	case bool:
		if t {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case int64:
		dst = append(dst, tagInt64)
		return binary.LittleEndian.AppendUint64(dst, uint64(t)), nil
	case int:
		dst = append(dst, tagInt64)
		return binary.LittleEndian.AppendUint64(dst, uint64(int64(t))), nil
	case float64:
		dst = append(dst, tagFloat)
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(t)), nil
	case string:
		if !utf8.ValidString(t) {
			return nil, fmt.Errorf("encoding string: invalid UTF-8")
		}
		dst = append(dst, tagString)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(t)))
		return append(dst, t...), nil
	case []byte:
		dst = append(dst, tagBytes)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(t)))
		return append(dst, t...), nil
	case []Value:
		dst = append(dst, tagList)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(t)))
		var err error
		for _, e := range t {
			if dst, err = AppendValue(dst, e); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case Map:
		dst = append(dst, tagMap)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(t)))
		var err error
		for k, e := range t {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(k)))
			dst = append(dst, k...)
			if dst, err = AppendValue(dst, e); err != nil {
				return nil, err
			}
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("encoding value: unsupported type %T", v)
	}
}

// EncodeValue encodes v into a fresh buffer.
func EncodeValue(v Value) ([]byte, error) {
	return AppendValue(nil, v)
}

// DecodeValue decodes exactly one value occupying the whole of data.
// Trailing bytes are an error: a payload is one value, nothing more.
func DecodeValue(data []byte) (Value, error) {
	v, rest, err := decodeValue(data, 0)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("decoding value: %d trailing bytes", len(rest))
	}
	return v, nil
}

func decodeValue(data []byte, depth int) (Value, []byte, error) {
	if depth > maxNestingDepth {
		return nil, nil, fmt.Errorf("decoding value: nesting deeper than %d", maxNestingDepth)
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("decoding value: empty input")
	}

	tag := data[0]
	data = data[1:]

	switch tag {
	case tagNull:
		return nil, data, nil
	case tagFalse:
		return false, data, nil
	case tagTrue:
		return true, data, nil
	case tagInt64:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("decoding int64: truncated")
		}
		return int64(binary.LittleEndian.Uint64(data[:8])), data[8:], nil
	case tagFloat:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("decoding float64: truncated")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[:8])), data[8:], nil
	case tagString:
		raw, rest, err := decodeLengthPrefixed(data, "string")
		if err != nil {
			return nil, nil, err
		}
		if !utf8.Valid(raw) {
			return nil, nil, fmt.Errorf("decoding string: invalid UTF-8")
		}
		return string(raw), rest, nil
	case tagBytes:
		raw, rest, err := decodeLengthPrefixed(data, "bytes")
		if err != nil {
			return nil, nil, err
		}
		// copy out of the frame buffer, which the caller may reuse
		return append([]byte(nil), raw...), rest, nil
	case tagList:
		if len(data) < 4 {
			return nil, nil, fmt.Errorf("decoding list: truncated count")
		}
		count := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(count) > uint64(len(data)) {
			return nil, nil, fmt.Errorf("decoding list: count %d exceeds input", count)
		}
		list := make([]Value, 0, count)
		for range count {
			var (
				e   Value
				err error
			)
			if e, data, err = decodeValue(data, depth+1); err != nil {
				return nil, nil, err
			}
			list = append(list, e)
		}
		return list, data, nil
	case tagMap:
		if len(data) < 4 {
			return nil, nil, fmt.Errorf("decoding map: truncated count")
		}
		count := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(count)*5 > uint64(len(data)) {
			return nil, nil, fmt.Errorf("decoding map: count %d exceeds input", count)
		}
		m := make(Map, count)
		for range count {
			key, rest, err := decodeLengthPrefixed(data, "map key")
			if err != nil {
				return nil, nil, err
			}
			if !utf8.Valid(key) {
				return nil, nil, fmt.Errorf("decoding map key: invalid UTF-8")
			}
			var e Value
			if e, data, err = decodeValue(rest, depth+1); err != nil {
				return nil, nil, err
			}
			m[string(key)] = e
		}
		return m, data, nil
	default:
		return nil, nil, fmt.Errorf("decoding value: unknown tag 0x%02X", tag)
	}
}

func decodeLengthPrefixed(data []byte, what string) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("decoding %s: truncated length", what)
	}
	length := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(length) > uint64(len(data)) {
		return nil, nil, fmt.Errorf("decoding %s: length %d exceeds input", what, length)
	}
	return data[:length], data[length:], nil
}
