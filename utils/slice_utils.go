package utils

// SliceSelect maps each element of x through f.
func SliceSelect[T any, K any](x []T, f func(x T) K) []K {
	r := make([]K, len(x))
	for i := 0; i < len(x); i++ {
		r[i] = f(x[i])
	}
	return r
}

// SliceWhere returns the elements of x for which f is true.
func SliceWhere[T any](x []T, f func(x T) bool) []T {
	r := make([]T, 0)
	for i := 0; i < len(x); i++ {
		if f(x[i]) {
			r = append(r, x[i])
		}
	}
	return r
}

// SliceWithout returns a copy of x with the half-open range [start, end) removed. The input is not modified.
func SliceWithout[T any](x []T, start int, end int) []T {
	r := make([]T, 0, len(x)-(end-start))
	r = append(r, x[:start]...)
	return append(r, x[end:]...)
}
