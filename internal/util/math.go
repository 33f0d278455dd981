package util

// Mod returns a modulo n in the range [0, n). n must be positive.
func Mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
