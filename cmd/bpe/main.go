package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/monadbobo/bpe/internal/envconfig"
	"github.com/monadbobo/bpe/internal/logutil"
	"github.com/monadbobo/bpe/tokenizer"
)

type options struct {
	vocabSize int
	pattern   string
	output    string
	encode    string
	split     string
	progress  bool
}

func NewCLI() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "bpe [corpus files...]",
		Short: "Train a byte-level BPE vocabulary",
		Long: `Train a byte-level BPE vocabulary on a corpus read from the given files, or from
stdin when none are given. Every non-blank line is a training document.

Examples:
  bpe -n 1000 --encode "hello world" corpus.txt
  cat corpus.txt | bpe -n 32000 -f tokenizer.json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.vocabSize, "vocab-size", "n", envconfig.VocabSize, "target vocabulary size")
	cmd.Flags().StringVar(&opts.pattern, "pattern", envconfig.Pattern, "pre-tokenizer pattern (default GPT-2 pattern)")
	cmd.Flags().StringVarP(&opts.output, "output", "f", "", "write a Hugging Face tokenizer.json")
	cmd.Flags().StringVar(&opts.encode, "encode", "", "text to encode and print token ids")
	cmd.Flags().StringVar(&opts.split, "split", "", "text to split and print pieces")
	cmd.Flags().BoolVar(&opts.progress, "progress", true, "show training progress")

	return cmd
}

func run(cmd *cobra.Command, args []string, opts options) error {
	lines, err := readCorpus(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return errors.New("no non-empty lines in corpus")
	}

	showProgress := opts.progress && opts.vocabSize > tokenizer.MinVocabSize

	var trainOpts []tokenizer.Option
	var bar *mpb.Bar
	if showProgress {
		trainOpts = append(trainOpts, tokenizer.WithProgress(func(done, _ int) {
			bar.SetCurrent(int64(done))
		}))
	}

	t, err := tokenizer.New(opts.vocabSize, opts.pattern, trainOpts...)
	if err != nil {
		return err
	}

	var p *mpb.Progress
	if showProgress {
		p = mpb.NewWithContext(cmd.Context(), mpb.WithOutput(cmd.ErrOrStderr()), mpb.WithWidth(80))
		bar = p.AddBar(int64(opts.vocabSize-tokenizer.MinVocabSize),
			mpb.PrependDecorators(
				decor.Name("merges: "),
				decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done!"),
			),
		)
	}

	vocab, err := t.TrainSeq(func(yield func([]byte) bool) {
		for _, line := range lines {
			if !yield(line) {
				return
			}
		}
	})
	if bar != nil {
		// the corpus ran out of pairs before the bar reached its total
		if !bar.Completed() {
			bar.Abort(false)
		}
		p.Wait()
	}
	if err != nil {
		return err
	}

	slog.Info("trained vocabulary", "size", vocab.Size(), "requested", opts.vocabSize)

	if opts.output != "" {
		if err := tokenizer.SaveTokenizerJSON(opts.output, vocab); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if opts.encode != "" {
		ids, err := vocab.EncodeText([]byte(opts.encode))
		if err != nil {
			return err
		}

		var b strings.Builder
		for i, id := range ids {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprint(&b, id)
		}
		b.WriteByte('\n')
		fmt.Fprint(out, b.String())
	}

	if opts.split != "" {
		for _, piece := range vocab.Split([]byte(opts.split)) {
			fmt.Fprintf(out, "%q\n", piece)
		}
	}

	return nil
}

// readCorpus returns the non-blank lines of the named files, or of r when there are none.
func readCorpus(r io.Reader, files []string) ([][]byte, error) {
	if len(files) == 0 {
		return scanLines(r)
	}

	var lines [][]byte
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}

		l, err := scanLines(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		lines = append(lines, l...)
	}
	return lines, nil
}

func scanLines(r io.Reader) ([][]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var lines [][]byte
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(scanner.Bytes()))
	}
	return lines, scanner.Err()
}

func main() {
	if err := envconfig.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := NewCLI().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
