package util

// Len64 returns the length of a slice as int64.
func Len64[T any](v []T) int64 {
	return int64(len(v))
}

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
