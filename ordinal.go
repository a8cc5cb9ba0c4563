package mdip

// Ordinal is a position marker within a registry, e.g. [blockHeight, txIndex, opIndex]
// for anchored registries or [counter] for local and gossip registries.
type Ordinal []int

// CompareOrdinals returns -1, 0 or 1. Elements are compared pairwise; when one
// ordinal is a strict prefix of the other, the shorter one sorts first.
func CompareOrdinals(a, b Ordinal) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
