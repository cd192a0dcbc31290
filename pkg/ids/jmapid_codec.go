package ids

import "math/bits"

// Crockford base32 alphabet used for the JMAP id wire encoding, ported from
// https://github.com/archer884/crockford (MIT/Apache-2.0), as used by the
// original JMAP id type this package supersedes.
const base32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var base32Inverse = buildBase32Inverse()

func buildBase32Inverse() [256]uint8 {
	var t [256]uint8
	for i := range t {
		t[i] = 0xFF
	}
	for i := 0; i < len(base32Alphabet); i++ {
		c := base32Alphabet[i]
		t[c] = uint8(i)
		if c >= 'A' && c <= 'Z' {
			t[c-'A'+'a'] = uint8(i)
		}
	}
	// Crockford leniency: visually ambiguous letters decode to digits.
	t['O'], t['o'] = 0, 0
	t['I'], t['i'] = 1, 1
	t['L'], t['l'] = 1, 1
	return t
}

// String renders a JMAPId using the Crockford base32 wire encoding: the
// reserved singleton value renders as "singleton", zero renders as "a",
// everything else is a variable-length base32 string with leading zero
// groups stripped.
func (id JMAPId) String() string {
	switch id {
	case Singleton:
		return "singleton"
	case 0:
		return "a"
	}

	n := uint64(id)
	const quadShift = 60
	const quadReset = 4
	const fiveShift = 59
	const fiveReset = 5
	const stopBit uint64 = 1 << quadShift

	buf := make([]byte, 0, 13)

	if top := n >> quadShift; top == 0 {
		n <<= quadReset
		n |= 1
		n <<= (bits.LeadingZeros64(n) / 5) * 5
	} else {
		n <<= quadReset
		n |= 1
		buf = append(buf, base32Alphabet[top])
	}

	for n != stopBit {
		buf = append(buf, base32Alphabet[n>>fiveShift])
		n <<= fiveReset
	}

	return string(buf)
}

// ParseJMAPId decodes the wire form produced by JMAPId.String.
func ParseJMAPId(s string) (JMAPId, bool) {
	if len(s) < 1 || len(s) > 13 {
		return 0, false
	}
	if s == "singleton" {
		return Singleton, true
	}
	if s == "a" { // String's rendering of zero, not the base32 digit "A"
		return 0, true
	}

	place := uint64(1) << (5 * uint(len(s)-1))
	var id uint64
	for i := 0; i < len(s); i++ {
		v := base32Inverse[s[i]]
		if v == 0xFF {
			return 0, false
		}
		id += uint64(v) * place
		place >>= 5
	}
	return JMAPId(id), true
}
