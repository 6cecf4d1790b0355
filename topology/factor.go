package topology

// Factor splits n devices into ndims extents whose product is n, using a
// fixed table. It is not a general factorizer: 2-D covers 1..16, 3-D covers
// 1..8 and the primes up to 13. Anything else reports false and the caller
// must supply the shape explicitly.
func Factor(n, ndims int) ([]int, bool) {
	switch ndims {
	case 1:
		if n < 1 {
			return nil, false
		}
		return []int{n}, true
	case 2:
		switch n {
		case 1, 2, 3, 5, 7, 11, 13:
			return []int{n, 1}, true
		case 4, 6, 8, 10, 14:
			return []int{n / 2, 2}, true
		case 9, 15:
			return []int{n / 3, 3}, true
		case 12, 16:
			return []int{n / 4, 4}, true
		}
	case 3:
		switch n {
		case 1, 2, 3, 5, 7, 11, 13:
			return []int{n, 1, 1}, true
		case 4, 6:
			return []int{n / 2, 2, 1}, true
		case 8:
			return []int{2, 2, 2}, true
		}
	}
	return nil, false
}
