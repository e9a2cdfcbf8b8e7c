package tokenizer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// WriteTokenizerJSON writes v as a Hugging Face tokenizer.json: a byte-level BPE model with the
// vocabulary's pattern as split pre-tokenizer.
func WriteTokenizerJSON(w io.Writer, v *Vocabulary) error {
	encoder := buildByteEncoder()

	vocab := make(map[string]uint32, v.Size())
	idToToken := make([]string, v.Size())
	for id, b := range v.encoder {
		token := encodeTokenBytes(encoder, b)
		idToToken[id] = token
		// Keep the lowest id for tokens learned twice, as Rank does. The later id is left out of
		// vocab, so the exported model never produces it, just like Encode. Its merge stays in
		// merges and yields the same token. Decode still accepts the later id.
		if _, ok := vocab[token]; !ok {
			vocab[token] = uint32(id)
		}
	}

	merges := make([]string, 0, len(v.merges))
	for _, pair := range v.merges {
		merges = append(merges, idToToken[pair.A]+" "+idToToken[pair.B])
	}

	preTokenizer := map[string]any{
		"type": "Sequence",
		"pretokenizers": []any{
			map[string]any{
				"type":     "Split",
				"pattern":  map[string]any{"Regex": jsCompatiblePattern(v.Pattern())},
				"behavior": "Isolated",
				"invert":   false,
			},
			map[string]any{
				"type":             "ByteLevel",
				"add_prefix_space": false,
				"trim_offsets":     false,
				"use_regex":        false,
			},
		},
	}

	model := map[string]any{
		"type":                      "BPE",
		"dropout":                   nil,
		"unk_token":                 nil,
		"continuing_subword_prefix": "",
		"end_of_word_suffix":        "",
		"vocab":                     vocab,
		"merges":                    merges,
		"fuse_unk":                  false,
		"byte_fallback":             false,
	}

	tokenizerJSON := map[string]any{
		"version":        "1.0",
		"truncation":     nil,
		"padding":        nil,
		"added_tokens":   []any{},
		"normalizer":     nil,
		"pre_tokenizer":  preTokenizer,
		"post_processor": nil,
		"decoder": map[string]any{
			"type":             "ByteLevel",
			"add_prefix_space": false,
			"trim_offsets":     false,
		},
		"model": model,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tokenizerJSON); err != nil {
		return fmt.Errorf("encode tokenizer.json: %w", err)
	}
	return nil
}

// SaveTokenizerJSON writes v to path, see WriteTokenizerJSON.
func SaveTokenizerJSON(path string, v *Vocabulary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := WriteTokenizerJSON(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// buildByteEncoder is the GPT-2 bytes-to-unicode table: printable bytes map to themselves, the
// rest to code points from 256 up, so every token is a valid JSON string.
func buildByteEncoder() [256]rune {
	var bs []int
	for i := 33; i <= 126; i++ {
		bs = append(bs, i)
	}
	for i := 161; i <= 172; i++ {
		bs = append(bs, i)
	}
	for i := 174; i <= 255; i++ {
		bs = append(bs, i)
	}

	var used [256]bool
	for _, b := range bs {
		used[b] = true
	}

	cs := make([]int, len(bs))
	copy(cs, bs)
	n := 0
	for b := range 256 {
		if !used[b] {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	var encoder [256]rune
	for i, b := range bs {
		encoder[byte(b)] = rune(cs[i])
	}
	return encoder
}

func encodeTokenBytes(encoder [256]rune, data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, v := range data {
		b.WriteRune(encoder[v])
	}
	return b.String()
}

// jsCompatiblePattern rewrites regexp2-only syntax for Transformers.js.
func jsCompatiblePattern(pattern string) string {
	replacer := strings.NewReplacer(
		"(?>", "(?:",
		"'(?i:[sdmt]|ll|ve|re)", "(?i:'s|'t|'re|'ve|'m|'ll|'d)",
	)
	return replacer.Replace(pattern)
}
