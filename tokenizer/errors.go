package tokenizer

import "errors"

var (
	// ErrInvalidConfig is returned by New for a vocabulary size below MinVocabSize or a
	// pre-tokenizer pattern that does not compile.
	ErrInvalidConfig = errors.New("invalid tokenizer configuration")

	// ErrInvalidToken is returned by Decode for an id outside the vocabulary.
	ErrInvalidToken = errors.New("invalid token for decoding")
)
