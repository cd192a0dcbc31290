// Package leb128 implements unsigned LEB128 varint encoding, the variable
// length integer format used in change-log entry payloads, merged
// changesets, state tokens and blob references. No storage key uses it.
package leb128

// AppendUint64 appends the LEB128 encoding of v to dst and returns the
// extended slice.
func AppendUint64(dst []byte, v uint64) []byte {
	for {
		if v < 0x80 {
			return append(dst, byte(v))
		}
		dst = append(dst, byte(v&0x7f)|0x80)
		v >>= 7
	}
}

// Uint64 decodes a LEB128 varint from the start of src, returning the
// value and the number of bytes consumed. ok is false if src ends before
// a terminating byte is found.
func Uint64(src []byte) (value uint64, n int, ok bool) {
	var shift uint
	for n < len(src) {
		b := src[n]
		n++
		if b&0x80 == 0 {
			value |= uint64(b) << shift
			return value, n, true
		}
		value |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, 0, false
}

// Skip advances past one LEB128 varint in src, returning the number of
// bytes consumed or ok=false if src ends first.
func Skip(src []byte) (n int, ok bool) {
	for n < len(src) {
		b := src[n]
		n++
		if b&0x80 == 0 {
			return n, true
		}
	}
	return 0, false
}
