package tokenizer

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// MinVocabSize is the number of single-byte tokens every vocabulary starts with.
const MinVocabSize = 256

// Pair is two adjacent token ids.
type Pair struct {
	A uint32
	B uint32
}

// Vocabulary is a trained byte-level BPE vocabulary. It is immutable once returned by a Trainer
// and safe for concurrent use.
//
// Invariants:
//   - encoder[id] is the byte sequence of token id; ids 0..255 are the single bytes.
//   - merges[i] is the pair that produced id MinVocabSize+i.
//   - ranks maps every distinct byte sequence in encoder to its lowest id. The id is also the
//     merge rank: lower ids were learned earlier and merge first.
type Vocabulary struct {
	ranks   map[string]uint32
	encoder [][]byte
	merges  []Pair
	pre     *pretokenizer
}

func newVocabulary(pre *pretokenizer) *Vocabulary {
	v := &Vocabulary{
		ranks:   make(map[string]uint32, MinVocabSize),
		encoder: make([][]byte, 0, MinVocabSize),
		pre:     pre,
	}

	for i := range MinVocabSize {
		b := []byte{byte(i)}
		v.ranks[string(b)] = uint32(i)
		v.encoder = append(v.encoder, b)
	}

	return v
}

// add appends the concatenation of p as the next id and returns it.
func (v *Vocabulary) add(p Pair) uint32 {
	left, right := v.encoder[p.A], v.encoder[p.B]

	token := make([]byte, 0, len(left)+len(right))
	token = append(append(token, left...), right...)

	id := uint32(len(v.encoder))
	v.encoder = append(v.encoder, token)
	v.merges = append(v.merges, p)

	// two different pairs can spell the same bytes; the earlier rank keeps priority
	if _, ok := v.ranks[string(token)]; !ok {
		v.ranks[string(token)] = id
	}

	return id
}

// Size returns the number of tokens, including the 256 single bytes.
func (v *Vocabulary) Size() int {
	return len(v.encoder)
}

// Pattern returns the pre-tokenizer pattern the vocabulary was trained with.
func (v *Vocabulary) Pattern() string {
	return v.pre.pattern
}

// Token returns the bytes of id. The slice must not be modified.
func (v *Vocabulary) Token(id uint32) ([]byte, bool) {
	if int(id) >= len(v.encoder) {
		return nil, false
	}
	return v.encoder[id], true
}

// Rank returns the id of the token spelled by b.
func (v *Vocabulary) Rank(b []byte) (uint32, bool) {
	id, ok := v.ranks[string(b)]
	return id, ok
}

// Merges returns the learned merges in the order they were learned.
func (v *Vocabulary) Merges() []Pair {
	return append([]Pair(nil), v.merges...)
}

// MergeableRank describes a token's byte sequence and id.
type MergeableRank struct {
	Bytes []byte
	ID    uint32
}

// MergeableRanks returns every token with its id, ordered by id.
func (v *Vocabulary) MergeableRanks() []MergeableRank {
	mergeable := make([]MergeableRank, 0, len(v.encoder))
	for id, b := range v.encoder {
		mergeable = append(mergeable, MergeableRank{Bytes: append([]byte(nil), b...), ID: uint32(id)})
	}
	return mergeable
}

// Encode converts b into token ids by merging the whole input under the vocabulary's ranks.
func (v *Vocabulary) Encode(b []byte) []uint32 {
	if len(b) == 0 {
		return nil
	}
	return v.appendEncoded(nil, b)
}

func (v *Vocabulary) appendEncoded(dst []uint32, b []byte) []uint32 {
	bounds := mergeBounds(b, v.ranks)
	for i := 0; i+1 < len(bounds); i++ {
		dst = append(dst, v.ranks[string(b[bounds[i]:bounds[i+1]])])
	}
	return dst
}

// Split returns the pieces Encode would assign one token each. The pieces alias b.
func (v *Vocabulary) Split(b []byte) [][]byte {
	bounds := mergeBounds(b, v.ranks)
	if len(bounds) == 0 {
		return nil
	}

	out := make([][]byte, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		out = append(out, b[bounds[i]:bounds[i+1]])
	}
	return out
}

// EncodeText pre-tokenizes b with the training pattern and encodes each segment on its own,
// so merges never cross segment boundaries.
func (v *Vocabulary) EncodeText(b []byte) ([]uint32, error) {
	segments, err := v.pre.split(b, true)
	if err != nil {
		return nil, err
	}

	var ids []uint32
	for _, segment := range segments {
		ids = v.appendEncoded(ids, segment)
	}
	return ids, nil
}

// EncodeBatch encodes every input concurrently. out[i] is Encode(inputs[i]).
func (v *Vocabulary) EncodeBatch(ctx context.Context, inputs [][]byte) ([][]uint32, error) {
	out := make([][]uint32, len(inputs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, input := range inputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = v.Encode(input)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode concatenates the bytes of ids.
func (v *Vocabulary) Decode(ids []uint32) ([]byte, error) {
	total := 0
	for _, id := range ids {
		if int(id) >= len(v.encoder) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidToken, id)
		}
		total += len(v.encoder[id])
	}

	out := make([]byte, 0, total)
	for _, id := range ids {
		out = append(out, v.encoder[id]...)
	}
	return out, nil
}
