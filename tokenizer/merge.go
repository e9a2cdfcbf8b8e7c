package tokenizer

import (
	"cmp"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
)

// candidate is an adjacent pair of symbols, [start, mid) and [mid, end), whose concatenation is
// in the vocabulary with the given rank.
type candidate struct {
	rank            uint32
	start, mid, end int
}

func compareCandidates(a, b candidate) int {
	if c := cmp.Compare(a.rank, b.rank); c != 0 {
		return c
	}
	// leftmost wins on equal rank
	return cmp.Compare(a.start, b.start)
}

// mergeBounds contracts piece to its coarsest segmentation under ranks: the adjacent pair with
// the lowest rank is merged first, leftmost on ties, until no adjacent pair is in ranks.
//
// It returns the symbol start offsets followed by len(piece), so symbol i is
// piece[bounds[i]:bounds[i+1]]. Every symbol is a key of ranks as long as ranks holds all
// single bytes.
func mergeBounds(piece []byte, ranks map[string]uint32) []int {
	n := len(piece)
	if n == 0 {
		return nil
	}

	// Symbols are addressed by their start offset. next[i] is the start of the following
	// symbol (n past the last one) and -1 once the symbol has been merged into its left
	// neighbour.
	next := make([]int, n)
	prev := make([]int, n)
	for i := range n {
		next[i] = i + 1
		prev[i] = i - 1
	}

	pairs := heap.NewWith(compareCandidates)

	push := func(i int) {
		if i < 0 {
			return
		}

		j := next[i]
		if j >= n {
			return
		}

		k := next[j]
		if rank, ok := ranks[string(piece[i:k])]; ok {
			pairs.Push(candidate{rank: rank, start: i, mid: j, end: k})
		}
	}

	for i := range n - 1 {
		push(i)
	}

	count := n
	for !pairs.Empty() {
		c, _ := pairs.Pop()

		// skip candidates whose symbols changed since they were pushed
		if next[c.start] != c.mid || next[c.mid] != c.end {
			continue
		}

		next[c.start] = c.end
		if c.end < n {
			prev[c.end] = c.start
		}
		next[c.mid], prev[c.mid] = -1, -1
		count--

		push(prev[c.start])
		push(c.start)
	}

	bounds := make([]int, 0, count+1)
	for i := 0; i < n; i = next[i] {
		bounds = append(bounds, i)
	}

	return append(bounds, n)
}
