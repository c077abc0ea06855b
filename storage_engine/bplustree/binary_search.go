package bplus

import "bytes"

// binarySearch returns the index of target in keys, or -1.
func binarySearch(keys [][]byte, target []byte) int {
	low := 0
	high := len(keys) - 1
	for low <= high {
		mid := low + (high-low)/2
		c := bytes.Compare(keys[mid], target)
		if c == 0 {
			return mid
		} else if c < 0 {
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return -1
}

// lowerBound returns the first index whose key is >= target.
func lowerBound(keys [][]byte, target []byte) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(keys[mid], target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBound returns the first index whose key is > target. In an internal
// node it is the child that covers target: a key equal to a separator
// lives to the right of it.
func upperBound(keys [][]byte, target []byte) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(keys[mid], target) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// insert inserts elem at index i in slice.
func insert[T any](slice []T, i int, elem T) []T {
	slice = append(slice, elem) // grow by 1
	copy(slice[i+1:], slice[i:])
	slice[i] = elem
	return slice
}

// remove removes element at index i from slice.
func remove[T any](slice []T, i int) []T {
	return append(slice[:i], slice[i+1:]...)
}
