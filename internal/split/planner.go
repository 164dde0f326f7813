// Package split turns an order total into gateway-sized payment amounts and
// names the merchant reference of each part.
package split

import (
	"strconv"
	"strings"
)

// Count returns how many gateway transactions are needed for total.
func Count(total, ceiling int64) int {
	if total <= 0 || ceiling <= 0 {
		return 1
	}
	return int((total + ceiling - 1) / ceiling)
}

// Plan fills full-ceiling parts first and puts the remainder last, so
// Plan(25_000_000, 10_000_000) is [10_000_000 10_000_000 5_000_000].
func Plan(total, ceiling int64) []int64 {
	n := Count(total, ceiling)
	if n == 1 {
		return []int64{total}
	}
	out := make([]int64, 0, n)
	left := total
	for i := 0; i < n; i++ {
		amt := ceiling
		if left < ceiling {
			amt = left
		}
		out = append(out, amt)
		left -= amt
	}
	return out
}

// Ref is the merchant reference of part index (1-based) of n.
func Ref(code string, index, n int) string {
	if n <= 1 {
		return code
	}
	return code + "-" + strconv.Itoa(index)
}

// ParseRef strips a trailing "-N" suffix. ok is false for an unsplit reference.
func ParseRef(ref string) (base string, index int, ok bool) {
	i := strings.LastIndexByte(ref, '-')
	if i <= 0 || i == len(ref)-1 {
		return ref, 0, false
	}
	n, err := strconv.Atoi(ref[i+1:])
	if err != nil || n < 1 || strings.HasPrefix(ref[i+1:], "+") {
		return ref, 0, false
	}
	return ref[:i], n, true
}
