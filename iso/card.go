package iso

// LuhnCheck reports whether digits is a valid base-10 Luhn string.
// Any non-digit byte fails the check.
func LuhnCheck(digits string) bool {
	if len(digits) == 0 {
		return false
	}
	sum, alt := 0, false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// MaskPAN keeps the first 6 and last 4 digits and substitutes '*' for
// the middle. PANs of 10 digits or fewer pass through unchanged.
// The unmasked PAN must never cross the pipeline boundary; every log,
// response and persisted row uses this form.
func MaskPAN(pan string) string {
	n := len(pan)
	if n <= 10 {
		return pan
	}
	out := make([]byte, n)
	copy(out, pan[:6])
	for i := 6; i < n-4; i++ {
		out[i] = '*'
	}
	copy(out[n-4:], pan[n-4:])
	return string(out)
}
