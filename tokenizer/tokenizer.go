package tokenizer

import (
	"container/heap"
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/monadbobo/bpe/internal/logutil"
)

// Trainer learns a byte-level BPE vocabulary. A Trainer must not be used by more than one
// goroutine while Train runs.
type Trainer struct {
	vocabSize int
	pre       *pretokenizer
	logger    *slog.Logger
	progress  func(done, total int)
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger for training progress. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trainer) {
		t.logger = logger
	}
}

// WithProgress registers fn to be called after every merge with the number of merges done and
// the number requested.
func WithProgress(fn func(done, total int)) Option {
	return func(t *Trainer) {
		t.progress = fn
	}
}

// New returns a Trainer for a vocabulary of vocabSize tokens whose words are split by pattern.
// An empty pattern selects DefaultPattern.
func New(vocabSize int, pattern string, opts ...Option) (*Trainer, error) {
	if vocabSize < MinVocabSize {
		return nil, fmt.Errorf("%w: vocab size %d is less than %d", ErrInvalidConfig, vocabSize, MinVocabSize)
	}

	pre, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		vocabSize: vocabSize,
		pre:       pre,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// VocabSize returns the requested vocabulary size.
func (t *Trainer) VocabSize() int {
	return t.vocabSize
}

// Pattern returns the pre-tokenizer pattern.
func (t *Trainer) Pattern() string {
	return t.pre.pattern
}

// Train learns a vocabulary from corpus.
func (t *Trainer) Train(corpus []byte) (*Vocabulary, error) {
	return t.TrainSeq(func(yield func([]byte) bool) {
		yield(corpus)
	})
}

// TrainSeq learns a vocabulary from a sequence of documents. Each document is pre-tokenized on
// its own; no word spans two documents.
func (t *Trainer) TrainSeq(docs iter.Seq[[]byte]) (*Vocabulary, error) {
	counts := make(map[string]int64)
	for doc := range docs {
		segments, err := t.pre.split(doc, false)
		if err != nil {
			return nil, err
		}
		for _, segment := range segments {
			counts[string(segment)]++
		}
	}

	words := make([]word, 0, len(counts))
	cvec := make([]int64, 0, len(counts))
	for chunk, c := range counts {
		ids := make([]uint32, len(chunk))
		for i := range len(chunk) {
			ids[i] = uint32(chunk[i])
		}
		words = append(words, word{ids: ids})
		cvec = append(cvec, c)
	}

	t.logger.Debug("pre-tokenized corpus", "unique_words", len(words))

	v := newVocabulary(t.pre)
	t.learn(v, words, cvec)
	return v, nil
}

// word is a pre-tokenized chunk as a sequence of current token ids.
type word struct {
	ids []uint32
}

type pairDelta struct {
	pair  Pair
	delta int32
}

// pairs yields all consecutive token pairs within the word.
func (w *word) pairs() iter.Seq[Pair] {
	return func(yield func(Pair) bool) {
		for i := 0; i+1 < len(w.ids); i++ {
			if !yield(Pair{w.ids[i], w.ids[i+1]}) {
				return
			}
		}
	}
}

// mergePair replaces all non-overlapping occurrences of pair, scanning left to right, with
// newID. It returns the pair-count changes for this word.
func (w *word) mergePair(pair Pair, newID uint32) []pairDelta {
	a, b := pair.A, pair.B
	n := len(w.ids)
	if n < 2 {
		return nil
	}

	out := make([]uint32, 0, n)
	deltas := make([]pairDelta, 0, 6)

	for i := 0; i < n; {
		if i+1 < n && w.ids[i] == a && w.ids[i+1] == b {
			if len(out) > 0 {
				left := out[len(out)-1]
				deltas = append(deltas,
					pairDelta{pair: Pair{left, a}, delta: -1},
					pairDelta{pair: Pair{left, newID}, delta: 1},
				)
			}
			deltas = append(deltas, pairDelta{pair: pair, delta: -1})
			if i+2 < n {
				right := w.ids[i+2]
				deltas = append(deltas,
					pairDelta{pair: Pair{b, right}, delta: -1},
					pairDelta{pair: Pair{newID, right}, delta: 1},
				)
			}

			out = append(out, newID)
			i += 2
		} else {
			out = append(out, w.ids[i])
			i++
		}
	}

	w.ids = out
	return deltas
}

// mergeJob is a candidate merge. count may be stale; it is checked against the live count when
// the job reaches the top of the heap. pos holds the indices of words that may contain pair.
type mergeJob struct {
	pair  Pair
	count int64
	pos   map[int]struct{}
}

// mergeHeap orders jobs by descending count, then ascending pair.
type mergeHeap []*mergeJob

func pairLess(a, b Pair) bool {
	if a.A == b.A {
		return a.B < b.B
	}
	return a.A < b.A
}

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if h[i].count == h[j].count {
		return pairLess(h[i].pair, h[j].pair)
	}
	return h[i].count > h[j].count
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(*mergeJob))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// countPairs counts every adjacent pair, weighted by word count, and records which words
// contain it.
func countPairs(words []word, counts []int64) (map[Pair]int64, map[Pair]map[int]struct{}) {
	pairCounts := make(map[Pair]int64)
	whereToUpdate := make(map[Pair]map[int]struct{})
	for idx := range words {
		if len(words[idx].ids) < 2 || counts[idx] == 0 {
			continue
		}
		for p := range words[idx].pairs() {
			pairCounts[p] += counts[idx]
			if _, ok := whereToUpdate[p]; !ok {
				whereToUpdate[p] = make(map[int]struct{})
			}
			whereToUpdate[p][idx] = struct{}{}
		}
	}
	return pairCounts, whereToUpdate
}

// learn merges the most frequent pair into v until v reaches the requested size or no pair is
// left.
func (t *Trainer) learn(v *Vocabulary, words []word, counts []int64) {
	numMerges := t.vocabSize - v.Size()
	if numMerges <= 0 {
		return
	}

	pairCounts, whereToUpdate := countPairs(words, counts)

	h := make(mergeHeap, 0, len(whereToUpdate))
	for pair, pos := range whereToUpdate {
		if c := pairCounts[pair]; c > 0 {
			h = append(h, &mergeJob{pair: pair, count: c, pos: pos})
		}
	}
	heap.Init(&h)

	var mergesDone, lastLogPercent int
	for mergesDone < numMerges && h.Len() > 0 {
		top := heap.Pop(&h).(*mergeJob)
		current := pairCounts[top.pair]
		if top.count != current {
			top.count = current
			if top.count > 0 {
				heap.Push(&h, top)
			}
			continue
		}
		if top.count <= 0 {
			break
		}

		newID := v.add(top.pair)

		localPosUpdates := make(map[Pair]map[int]struct{})
		for wordIdx := range top.pos {
			for _, ch := range words[wordIdx].mergePair(top.pair, newID) {
				pairCounts[ch.pair] += int64(ch.delta) * counts[wordIdx]
				if ch.delta > 0 {
					if _, ok := localPosUpdates[ch.pair]; !ok {
						localPosUpdates[ch.pair] = make(map[int]struct{})
					}
					localPosUpdates[ch.pair][wordIdx] = struct{}{}
				}
			}
		}

		for pair, pos := range localPosUpdates {
			if cnt := pairCounts[pair]; cnt > 0 {
				heap.Push(&h, &mergeJob{pair: pair, count: cnt, pos: pos})
			}
		}

		mergesDone++
		t.logger.Log(context.Background(), logutil.LevelTrace, "merge",
			"left", top.pair.A, "right", top.pair.B, "id", newID, "count", top.count)

		if t.progress != nil {
			t.progress(mergesDone, numMerges)
		}

		if currentPercent := mergesDone * 100 / numMerges; currentPercent > lastLogPercent {
			t.logger.Debug("training progress",
				"percent", currentPercent, "merges", mergesDone, "total", numMerges,
				"left", top.pair.A, "right", top.pair.B, "id", newID, "count", top.count)
			lastLogPercent = currentPercent
		}
	}

	t.logger.Info("finished training", "merges", mergesDone, "requested", numMerges, "vocab_size", v.Size())
}
