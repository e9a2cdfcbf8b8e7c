package envconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/monadbobo/bpe/internal/logutil"
)

const defaultVocabSize = 32000

var (
	// Set via BPE_DEBUG in the environment
	LogLevel slog.Level
	// Set via BPE_PATTERN in the environment
	Pattern string
	// Set via BPE_VOCAB_SIZE in the environment
	VocabSize int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"BPE_DEBUG":      {"BPE_DEBUG", LogLevel, "Show additional debug information (e.g. BPE_DEBUG=1, BPE_DEBUG=2 for every merge)"},
		"BPE_PATTERN":    {"BPE_PATTERN", Pattern, "Pre-tokenizer pattern (default GPT-2 byte-level pattern)"},
		"BPE_VOCAB_SIZE": {"BPE_VOCAB_SIZE", VocabSize, fmt.Sprintf("Target vocabulary size (default %d)", defaultVocabSize)},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

// Load reads .env style files into the environment, without overriding variables that are
// already set, and reloads the configuration. Missing files are ignored.
func Load(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}

	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("no env file", "path", name)
				continue
			}
			return fmt.Errorf("load %s: %w", name, err)
		}
	}

	LoadConfig()
	return nil
}

func LoadConfig() {
	LogLevel = slog.LevelInfo
	if debug := clean("BPE_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			switch {
			case n >= 2:
				LogLevel = logutil.LevelTrace
			case n == 1:
				LogLevel = slog.LevelDebug
			}
		} else if d, err := strconv.ParseBool(debug); err != nil || d {
			LogLevel = slog.LevelDebug
		}
	}

	Pattern = clean("BPE_PATTERN")

	VocabSize = defaultVocabSize
	if vs := clean("BPE_VOCAB_SIZE"); vs != "" {
		val, err := strconv.Atoi(vs)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "BPE_VOCAB_SIZE", vs, "error", err)
		} else {
			VocabSize = val
		}
	}
}
