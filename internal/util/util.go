package util

func Roundup(x, align int) int {
	return (x + (align - 1)) &^ (align - 1)
}

func Roundup64(x, align uint64) uint64 {
	return (x + (align - 1)) &^ (align - 1)
}

// DivCeil returns ceil(x / y) for y > 0.
func DivCeil(x, y uint64) uint64 {
	return (x + y - 1) / y
}

func IsPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}
