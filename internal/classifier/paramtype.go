package classifier

import (
	"encoding/binary"
	"math"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

// FieldType is a MySQL-family binary protocol column/parameter type code
// (spec.md §4.5 "binary value is decoded according to its MySQL-family type
// code").
type FieldType byte

const (
	FieldTypeDecimal   FieldType = 0x00
	FieldTypeTiny      FieldType = 0x01
	FieldTypeShort     FieldType = 0x02
	FieldTypeLong      FieldType = 0x03
	FieldTypeFloat     FieldType = 0x04
	FieldTypeDouble    FieldType = 0x05
	FieldTypeNull      FieldType = 0x06
	FieldTypeTimestamp FieldType = 0x07
	FieldTypeLongLong  FieldType = 0x08
	FieldTypeInt24     FieldType = 0x09
	FieldTypeDate      FieldType = 0x0a
	FieldTypeTime      FieldType = 0x0b
	FieldTypeDateTime  FieldType = 0x0c
	FieldTypeYear      FieldType = 0x0d
	FieldTypeVarString FieldType = 0x0f
	FieldTypeBit       FieldType = 0x10
	FieldTypeNewDecimal FieldType = 0xf6
	FieldTypeBlob      FieldType = 0xfc
	FieldTypeVarChar   FieldType = 0xfd
	FieldTypeString    FieldType = 0xfe

	unsignedFlag = 0x80
)

// ParamType is one bound parameter's type descriptor: the wire type code
// plus the unsigned flag bit (high bit of the second type byte).
type ParamType struct {
	Type     FieldType
	Unsigned bool
}

// DecodedParam is a decoded bound parameter value, rendered both as its Go
// value and as a SQL literal fragment for canonicalization/logging.
type DecodedParam struct {
	IsNull bool
	Value  any
}

// ParseParamTypes reads param_count (type, flag) pairs from the start of a
// COM_STMT_EXECUTE payload's type section.
func ParseParamTypes(b []byte, paramCount int) ([]ParamType, int) {
	types := make([]ParamType, 0, paramCount)
	off := 0
	for i := 0; i < paramCount && off+2 <= len(b); i++ {
		typeByte := b[off]
		flagByte := b[off+1]
		types = append(types, ParamType{Type: FieldType(typeByte), Unsigned: flagByte&unsignedFlag != 0})
		off += 2
	}
	return types, off
}

// NullBitmap reports whether parameter i is NULL, per the
// ceil(param_count/8)-byte bitmap preceding the type section.
func NullBitmap(b []byte, paramCount int) (isNull func(i int) bool, size int) {
	size = (paramCount + 7) / 8
	if size > len(b) {
		size = len(b)
	}
	bitmap := b[:size]
	return func(i int) bool {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= len(bitmap) {
			return false
		}
		return bitmap[byteIdx]&(1<<bitIdx) != 0
	}, size
}

// DecodeParams decodes param_count binary values from b according to types,
// returning the decoded values and the number of bytes consumed.
func DecodeParams(b []byte, types []ParamType) ([]DecodedParam, int) {
	out := make([]DecodedParam, len(types))
	off := 0
	for i, t := range types {
		v, n := decodeOne(b[off:], t)
		out[i] = v
		off += n
	}
	return out, off
}

func decodeOne(b []byte, t ParamType) (DecodedParam, int) {
	switch t.Type {
	case FieldTypeTiny:
		if len(b) < 1 {
			return DecodedParam{IsNull: true}, 0
		}
		if t.Unsigned {
			return DecodedParam{Value: uint8(b[0])}, 1
		}
		return DecodedParam{Value: int8(b[0])}, 1

	case FieldTypeShort, FieldTypeYear:
		if len(b) < 2 {
			return DecodedParam{IsNull: true}, 0
		}
		u := binary.LittleEndian.Uint16(b)
		if t.Unsigned {
			return DecodedParam{Value: u}, 2
		}
		return DecodedParam{Value: int16(u)}, 2

	case FieldTypeLong, FieldTypeInt24:
		if len(b) < 4 {
			return DecodedParam{IsNull: true}, 0
		}
		u := binary.LittleEndian.Uint32(b)
		if t.Unsigned {
			return DecodedParam{Value: u}, 4
		}
		return DecodedParam{Value: int32(u)}, 4

	case FieldTypeLongLong:
		if len(b) < 8 {
			return DecodedParam{IsNull: true}, 0
		}
		u := binary.LittleEndian.Uint64(b)
		if t.Unsigned {
			return DecodedParam{Value: u}, 8
		}
		return DecodedParam{Value: int64(u)}, 8

	case FieldTypeFloat:
		if len(b) < 4 {
			return DecodedParam{IsNull: true}, 0
		}
		bits := binary.LittleEndian.Uint32(b)
		return DecodedParam{Value: math.Float32frombits(bits)}, 4

	case FieldTypeDouble:
		if len(b) < 8 {
			return DecodedParam{IsNull: true}, 0
		}
		bits := binary.LittleEndian.Uint64(b)
		return DecodedParam{Value: math.Float64frombits(bits)}, 8

	case FieldTypeDate, FieldTypeDateTime, FieldTypeTimestamp:
		return decodeTemporal(b)

	case FieldTypeTime:
		return decodeTime(b)

	case FieldTypeVarChar, FieldTypeVarString, FieldTypeString, FieldTypeBlob, FieldTypeDecimal, FieldTypeNewDecimal, FieldTypeBit:
		s, n, ok := mariadb.DecodeLenEncString(b)
		if !ok {
			return DecodedParam{IsNull: true}, len(b)
		}
		return DecodedParam{Value: s}, n

	case FieldTypeNull:
		return DecodedParam{IsNull: true}, 0

	default:
		// Unknown type codes degrade to length-encoded string, the most
		// permissive wire shape the protocol uses for variable data.
		s, n, ok := mariadb.DecodeLenEncString(b)
		if !ok {
			return DecodedParam{IsNull: true}, len(b)
		}
		return DecodedParam{Value: s}, n
	}
}

// decodeTemporal decodes the variable-length DATE/DATETIME/TIMESTAMP
// encoding: a length byte (0, 4, 7, or 11) followed by that many fields.
// A length of 0 is the "0000-00-00 00:00:00" sentinel (spec.md §4.5).
func decodeTemporal(b []byte) (DecodedParam, int) {
	if len(b) < 1 {
		return DecodedParam{IsNull: true}, 0
	}
	n := int(b[0])
	if n == 0 {
		return DecodedParam{Value: "0000-00-00 00:00:00"}, 1
	}
	if len(b) < 1+n {
		return DecodedParam{IsNull: true}, len(b)
	}
	data := b[1 : 1+n]
	year := binary.LittleEndian.Uint16(data[0:2])
	month, day := data[2], data[3]
	var hour, minute, second byte
	var micro uint32
	if n >= 7 {
		hour, minute, second = data[4], data[5], data[6]
	}
	if n >= 11 {
		micro = binary.LittleEndian.Uint32(data[7:11])
	}
	return DecodedParam{Value: formatDateTime(year, month, day, hour, minute, second, micro)}, 1 + n
}

// decodeTime decodes the TIME type's variable-length encoding: length byte
// (0, 8, or 12), sign, days, hour, minute, second, optional microseconds.
func decodeTime(b []byte) (DecodedParam, int) {
	if len(b) < 1 {
		return DecodedParam{IsNull: true}, 0
	}
	n := int(b[0])
	if n == 0 {
		return DecodedParam{Value: "00:00:00"}, 1
	}
	if len(b) < 1+n {
		return DecodedParam{IsNull: true}, len(b)
	}
	data := b[1 : 1+n]
	negative := data[0] != 0
	days := binary.LittleEndian.Uint32(data[1:5])
	hour, minute, second := data[5], data[6], data[7]
	totalHours := uint32(hour) + days*24
	sign := ""
	if negative {
		sign = "-"
	}
	return DecodedParam{Value: formatTime(sign, totalHours, minute, second)}, 1 + n
}

func formatDateTime(year uint16, month, day, hour, minute, second byte, micro uint32) string {
	buf := make([]byte, 0, 26)
	buf = appendPadded(buf, int(year), 4)
	buf = append(buf, '-')
	buf = appendPadded(buf, int(month), 2)
	buf = append(buf, '-')
	buf = appendPadded(buf, int(day), 2)
	buf = append(buf, ' ')
	buf = appendPadded(buf, int(hour), 2)
	buf = append(buf, ':')
	buf = appendPadded(buf, int(minute), 2)
	buf = append(buf, ':')
	buf = appendPadded(buf, int(second), 2)
	if micro > 0 {
		buf = append(buf, '.')
		buf = appendPadded(buf, int(micro), 6)
	}
	return string(buf)
}

func formatTime(sign string, hour uint32, minute, second byte) string {
	buf := []byte(sign)
	buf = appendPadded(buf, int(hour), 2)
	buf = append(buf, ':')
	buf = appendPadded(buf, int(minute), 2)
	buf = append(buf, ':')
	buf = appendPadded(buf, int(second), 2)
	return string(buf)
}

func appendPadded(buf []byte, v, width int) []byte {
	s := itoa(v)
	for len(s) < width {
		s = "0" + s
	}
	return append(buf, s...)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}
