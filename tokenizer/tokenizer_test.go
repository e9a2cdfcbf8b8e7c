package tokenizer

import (
	"bytes"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/monadbobo/bpe/internal/logutil"
)

func train(t testing.TB, vocabSize int, pattern string, corpus string) *Vocabulary {
	t.Helper()

	tok, err := New(vocabSize, pattern, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	v, err := tok.Train([]byte(corpus))
	require.NoError(t, err)
	return v
}

// inspired by https://github.com/karpathy/minbpe?tab=readme-ov-file#quick-start
//
//	tokenizer.train("aaabdaaabac", 256 + 3)
//	tokenizer.encode("aaabdaaabac") # [258, 100, 258, 97, 99]
func TestTrainAndEncodeSimple(t *testing.T) {
	v := train(t, 256+3, ".+", "aaabdaaabac")

	require.Equal(t, []Pair{{97, 97}, {97, 98}, {256, 257}}, v.Merges())

	got := v.Encode([]byte("aaabdaaabac"))
	if diff := cmp.Diff([]uint32{258, 100, 258, 97, 99}, got); diff != "" {
		t.Errorf("encode mismatch (-want +got):\n%s", diff)
	}

	decoded, err := v.Decode(got)
	require.NoError(t, err)
	require.Equal(t, "aaabdaaabac", string(decoded))
}

func TestMergeableRanksIncludesBaseAndMerges(t *testing.T) {
	v := train(t, 257, ".+", "aa")

	ranks := v.MergeableRanks()
	require.Len(t, ranks, 257)
	for i, r := range ranks[:MinVocabSize] {
		require.Equal(t, uint32(i), r.ID)
		require.Equal(t, []byte{byte(i)}, r.Bytes)
	}
	require.Equal(t, MergeableRank{Bytes: []byte("aa"), ID: 256}, ranks[256])

	require.Equal(t, ".+", v.Pattern())
}

func TestNewInvalidConfig(t *testing.T) {
	cases := []struct {
		name      string
		vocabSize int
		pattern   string
	}{
		{"vocab size zero", 0, DefaultPattern},
		{"vocab size below bytes", 255, DefaultPattern},
		{"unbalanced group", 300, `(\p{L}+`},
		{"bad class", 300, `[a-`},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := New(tt.vocabSize, tt.pattern)
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.Nil(t, tok)
		})
	}
}

func TestNewDefaults(t *testing.T) {
	tok, err := New(MinVocabSize, "")
	require.NoError(t, err)
	require.Equal(t, DefaultPattern, tok.Pattern())
	require.Equal(t, MinVocabSize, tok.VocabSize())

	_, err = New(MinVocabSize, GPT4Pattern)
	require.NoError(t, err)
}

func TestTrainSingleMerge(t *testing.T) {
	v := train(t, 257, DefaultPattern, "aaaa")

	require.Equal(t, 257, v.Size())
	token, ok := v.Token(256)
	require.True(t, ok)
	require.Equal(t, "aa", string(token))

	ids := v.Encode([]byte("aaaa"))
	require.Equal(t, []uint32{256, 256}, ids)

	decoded, err := v.Decode(ids)
	require.NoError(t, err)
	require.Equal(t, "aaaa", string(decoded))
}

func TestTrainBaseVocabulary(t *testing.T) {
	v := train(t, MinVocabSize, DefaultPattern, "hello world hello world")

	require.Equal(t, MinVocabSize, v.Size())
	require.Empty(t, v.Merges())

	in := []byte("hello, world!\x00\xff")
	ids := v.Encode(in)
	require.Len(t, ids, len(in))
	for i, b := range in {
		require.Equal(t, uint32(b), ids[i])
	}
}

func TestTrainDegenerateCorpus(t *testing.T) {
	for _, corpus := range []string{"", "a", "!"} {
		t.Run(corpus, func(t *testing.T) {
			v := train(t, 1000, DefaultPattern, corpus)
			require.Equal(t, MinVocabSize, v.Size())
		})
	}
}

func TestTrainStopsWhenPairsRunOut(t *testing.T) {
	// every word collapses to a single token after 9 merges
	v := train(t, 1000, DefaultPattern, "Hello world")
	require.Equal(t, MinVocabSize+9, v.Size())

	_, ok := v.Rank([]byte("Hello"))
	require.True(t, ok)
	_, ok = v.Rank([]byte(" world"))
	require.True(t, ok)
	_, ok = v.Rank([]byte("o "))
	require.False(t, ok, "merges must not cross words")
}

func TestTrainVocabularySize(t *testing.T) {
	corpus := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)
	for _, size := range []int{256, 257, 260, 270} {
		v := train(t, size, DefaultPattern, corpus)
		require.Equal(t, size, v.Size())
		require.Len(t, v.Merges(), size-MinVocabSize)
	}
}

func TestTrainFrequentFirst(t *testing.T) {
	v := train(t, 300, DefaultPattern, "hello world hello world")

	hello, ok := v.Rank([]byte("hello"))
	require.True(t, ok)
	world, ok := v.Rank([]byte(" world"))
	require.True(t, ok)
	spaceHello, ok := v.Rank([]byte(" hello"))
	require.True(t, ok)

	// " hello" occurs once, "hello" and " world" twice
	require.Less(t, hello, spaceHello)
	require.Less(t, world, spaceHello)

	corpus := []byte("hello world hello world")
	require.Less(t, len(v.Encode(corpus)), len(corpus))
	require.Equal(t, []uint32{hello, world, spaceHello, world}, v.Encode(corpus))
}

func TestTrainTieBreakSmallestPair(t *testing.T) {
	// "ba" and "dc" occur once each; (98, 97) sorts before (100, 99)
	v := train(t, 257, `\S+`, "dc ba")
	require.Equal(t, []Pair{{98, 97}}, v.Merges())
}

func TestTrainDeterministic(t *testing.T) {
	corpus := strings.Repeat("low lower lowest newer wider new ", 5)

	want := train(t, 290, DefaultPattern, corpus).Merges()
	for range 5 {
		require.Equal(t, want, train(t, 290, DefaultPattern, corpus).Merges())
	}
}

func TestTrainCountsOverlappingPairs(t *testing.T) {
	// "aaa" has two overlapping (a,a) pairs but only one can be merged
	v := train(t, 258, `\S+`, "aaa bc bc")
	require.Equal(t, []Pair{{97, 97}, {98, 99}}, v.Merges())
}

// naiveMerges learns merges by recounting every pair occurrence of every word after each merge.
// Words are not deduplicated. Trainer.learn must pick the same merges in the same order.
func naiveMerges(t testing.TB, vocabSize int, pattern, corpus string) []Pair {
	t.Helper()

	pre, err := compilePattern(pattern)
	require.NoError(t, err)
	segments, err := pre.split([]byte(corpus), false)
	require.NoError(t, err)

	words := make([][]uint32, 0, len(segments))
	for _, segment := range segments {
		ids := make([]uint32, len(segment))
		for i, b := range segment {
			ids[i] = uint32(b)
		}
		words = append(words, ids)
	}

	var merges []Pair
	for id := uint32(MinVocabSize); int(id) < vocabSize; id++ {
		counts := make(map[Pair]int)
		for _, w := range words {
			for i := 0; i+1 < len(w); i++ {
				counts[Pair{w[i], w[i+1]}]++
			}
		}

		var best Pair
		bestCount := 0
		for p, c := range counts {
			if c > bestCount || (c == bestCount && pairLess(p, best)) {
				best, bestCount = p, c
			}
		}
		if bestCount == 0 {
			break
		}

		for i, w := range words {
			out := make([]uint32, 0, len(w))
			for j := 0; j < len(w); {
				if j+1 < len(w) && w[j] == best.A && w[j+1] == best.B {
					out = append(out, id)
					j += 2
					continue
				}
				out = append(out, w[j])
				j++
			}
			words[i] = out
		}
		merges = append(merges, best)
	}
	return merges
}

func TestTrainMatchesFullRecount(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	alphabet := []byte("aab bca dd ")

	for range 300 {
		corpus := make([]byte, 1+rng.IntN(80))
		for i := range corpus {
			corpus[i] = alphabet[rng.IntN(len(alphabet))]
		}
		size := MinVocabSize + rng.IntN(40)

		want := naiveMerges(t, size, DefaultPattern, string(corpus))
		got := train(t, size, DefaultPattern, string(corpus)).Merges()
		if diff := cmp.Diff(want, got, cmpEmptyPairs); diff != "" {
			t.Fatalf("%q size %d: merges mismatch (-recount +trained):\n%s", corpus, size, diff)
		}
	}
}

func TestTrainWordCountsMatchOccurrences(t *testing.T) {
	// repeated words are counted once with a weight; the merges must equal per-occurrence counting
	corpus := strings.Repeat("low lower lowest newer wider new ", 7) + "widest newest"
	require.Equal(t, naiveMerges(t, 300, DefaultPattern, corpus), train(t, 300, DefaultPattern, corpus).Merges())
}

// cmpEmptyPairs treats nil and empty merge lists as equal.
var cmpEmptyPairs = cmp.Comparer(func(a, b []Pair) bool { return slices.Equal(a, b) })

func TestTrainSeqMatchesConcatenatedWords(t *testing.T) {
	tok, err := New(300, DefaultPattern, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	docs := [][]byte{[]byte("low lower"), []byte(" lowest"), []byte(" newer"), []byte(" low")}
	fromSeq, err := tok.TrainSeq(slices.Values(docs))
	require.NoError(t, err)

	whole, err := tok.Train(bytes.Join(docs, nil))
	require.NoError(t, err)

	require.Equal(t, whole.Merges(), fromSeq.Merges())
}

func TestTrainReinvocationIsFresh(t *testing.T) {
	tok, err := New(258, DefaultPattern, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	first, err := tok.Train([]byte("aaaa bbbb"))
	require.NoError(t, err)
	second, err := tok.Train([]byte("cccc dddd"))
	require.NoError(t, err)

	require.Equal(t, 258, first.Size())
	require.Equal(t, 258, second.Size())
	require.Equal(t, []Pair{{97, 97}, {98, 98}}, first.Merges())
	require.Equal(t, []Pair{{99, 99}, {100, 100}}, second.Merges())
}

func TestTrainDuplicateTokenKeepsEarlierRank(t *testing.T) {
	// "ab"+"c" and "a"+"bc" both spell "abc"
	v := newVocabulary(nil)

	ab := v.add(Pair{'a', 'b'})
	bc := v.add(Pair{'b', 'c'})
	first := v.add(Pair{ab, 'c'})
	second := v.add(Pair{'a', bc})

	require.Equal(t, 260, v.Size())
	rank, ok := v.Rank([]byte("abc"))
	require.True(t, ok)
	require.Equal(t, first, rank)

	decoded, err := v.Decode([]uint32{second})
	require.NoError(t, err)
	require.Equal(t, "abc", string(decoded))
	require.Equal(t, []uint32{first}, v.Encode([]byte("abc")))
}

func TestTrainProgress(t *testing.T) {
	var calls [][2]int
	tok, err := New(260, DefaultPattern,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithProgress(func(done, total int) {
			calls = append(calls, [2]int{done, total})
		}),
	)
	require.NoError(t, err)

	_, err = tok.Train([]byte("hello hello"))
	require.NoError(t, err)
	require.Equal(t, [][2]int{{1, 4}, {2, 4}, {3, 4}, {4, 4}}, calls)
}

func TestTrainLogging(t *testing.T) {
	var buf bytes.Buffer
	tok, err := New(258, DefaultPattern, WithLogger(logutil.NewLogger(&buf, logutil.LevelTrace)))
	require.NoError(t, err)

	_, err = tok.Train([]byte("aaaa bbbb"))
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "level=TRACE")
	require.Contains(t, out, "msg=merge")
	require.Contains(t, out, "msg=\"training progress\"")
	require.Contains(t, out, "msg=\"finished training\" merges=2 requested=2 vocab_size=258")
}

func TestTrainKeepsInvalidUTF8Bytes(t *testing.T) {
	// invalid bytes are learned as they are, not as U+FFFD
	v := train(t, 257, `.+`, "\xff\xff")
	require.Equal(t, []Pair{{0xff, 0xff}}, v.Merges())

	token, ok := v.Token(256)
	require.True(t, ok)
	require.Equal(t, []byte{0xff, 0xff}, token)

	_, ok = v.Rank([]byte("\uFFFD"))
	require.False(t, ok)
}

func TestWordMergePair(t *testing.T) {
	w := word{ids: []uint32{'a', 'a', 'a', 'a'}}
	deltas := w.mergePair(Pair{'a', 'a'}, 256)
	require.Equal(t, []uint32{256, 256}, w.ids)

	sum := make(map[Pair]int32)
	for _, d := range deltas {
		sum[d.pair] += d.delta
	}
	require.Equal(t, int32(-3), sum[Pair{'a', 'a'}])
	require.Equal(t, int32(0), sum[Pair{256, 'a'}])
	require.Equal(t, int32(1), sum[Pair{256, 256}])
}
