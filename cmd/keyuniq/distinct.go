package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/keyuniq/internal/spill"
	"github.com/freeeve/keyuniq/internal/unique"
)

const (
	batchKeys     = 4096
	pendingChunks = 4
)

func distinctCommand(app *appState) *cli.Command {
	return &cli.Command{
		Name:      "distinct",
		Usage:     "Print the distinct keys of the input in ascending order",
		ArgsUsage: "[input file, default stdin]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Input format: hex, binary, int32 or line",
				Value:   "line",
			},
			&cli.IntFlag{
				Name:    "key-size",
				Aliases: []string{"k"},
				Usage:   "Key width in bytes for hex and binary input",
			},
			&cli.Int64Flag{
				Name:    "memory",
				Aliases: []string{"m"},
				Usage:   "Memory budget of the in-memory tree in bytes",
				Value:   unique.DefaultMemoryBudget,
			},
			&cli.BoolFlag{
				Name:    "counts",
				Aliases: []string{"c"},
				Usage:   "Print how often each key was seen",
			},
			&cli.Int64Flag{
				Name:  "min-count",
				Usage: "Only print keys seen at least this many times (implies --counts)",
			},
			&cli.StringFlag{
				Name:  "compression",
				Usage: "Scratch file codec: none, zstd or lz4",
				Value: "none",
			},
			&cli.StringFlag{
				Name:  "tmpdir",
				Usage: "Directory for scratch files",
				Value: os.TempDir(),
			},
			&cli.BoolFlag{
				Name:  "materialize",
				Usage: "Merge into a single result run before printing (counts are not printed)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runDistinct(ctx, c, app)
		},
	}
}

func runDistinct(ctx context.Context, c *cli.Command, app *appState) error {
	f, err := parseFormat(c.String("format"))
	if err != nil {
		return err
	}
	keySize, err := f.keySize(c.Int("key-size"))
	if err != nil {
		return err
	}
	codec, err := spill.ParseCodec(c.String("compression"))
	if err != nil {
		return err
	}
	minCount := c.Int64("min-count")
	if minCount < 0 {
		return fmt.Errorf("--min-count must not be negative")
	}
	counts := c.Bool("counts") || minCount > 0
	minDup := uint64(minCount)
	if counts && minDup == 0 {
		minDup = 1
	}

	in := io.Reader(os.Stdin)
	inputName := "stdin"
	if path := c.Args().First(); path != "" && path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer file.Close()
		in, inputName = file, path
	}

	log := app.logger.With().Str("component", "distinct").Logger()
	u, err := unique.New(f.compare(), unique.Config{
		KeySize:      keySize,
		MemoryBudget: c.Int64("memory"),
		MinDupCount:  minDup,
		TempDir:      c.String("tmpdir"),
		Compression:  codec,
		Logger:       log,
		Metrics:      app.metrics,
	})
	if err != nil {
		return err
	}
	defer u.Close()

	log.Info().
		Str("input", inputName).
		Int("key_size", keySize).
		Uint64("tree_capacity", u.MaxElements()).
		Uint64("min_count", minDup).
		Str("compression", codec.String()).
		Msg("starting")

	start := time.Now()
	added, err := load(ctx, u, newKeyReader(in, f, keySize), keySize)
	if err != nil {
		return err
	}
	log.Info().
		Uint64("keys", added).
		Int("runs", u.Runs()).
		Dur("took", time.Since(start)).
		Msg("input loaded")

	out := bufio.NewWriterSize(os.Stdout, 1<<16)
	var printed uint64
	if c.Bool("materialize") {
		printed, err = printResult(u, f, out)
	} else {
		printed, err = printWalk(u, f, counts, out)
	}
	if err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	s := u.Stats()
	log.Info().
		Uint64("keys", added).
		Uint64("distinct", printed).
		Uint64("filtered", u.FilteredOut()).
		Uint64("flushes", s.Flushes).
		Uint64("merge_passes", s.MergePasses).
		Int64("spilled_bytes", s.SpilledBytes).
		Dur("took", time.Since(start)).
		Msg("done")
	return nil
}

// load decodes keys on one goroutine and adds them to u on another. Only
// the consuming goroutine touches the engine.
func load(ctx context.Context, u *unique.Unique, kr *keyReader, keySize int) (uint64, error) {
	g, ctx := errgroup.WithContext(ctx)
	chunks := make(chan []byte, pendingChunks)

	g.Go(func() error {
		defer close(chunks)
		for {
			buf := make([]byte, batchKeys*keySize)
			n, err := kr.read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n*keySize]:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	var added uint64
	g.Go(func() error {
		for chunk := range chunks {
			for off := 0; off < len(chunk); off += keySize {
				if err := u.Add(chunk[off : off+keySize]); err != nil {
					return err
				}
				added++
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return added, err
	}
	return added, nil
}

func printWalk(u *unique.Unique, f format, counts bool, out *bufio.Writer) (uint64, error) {
	var (
		line     []byte
		printed  uint64
		writeErr error
	)
	err := u.Walk(func(key []byte, count uint64) bool {
		line = f.appendKey(line[:0], key)
		if counts {
			line = append(line, '\t')
			line = strconv.AppendUint(line, count, 10)
		}
		line = append(line, '\n')
		if _, writeErr = out.Write(line); writeErr != nil {
			return false
		}
		printed++
		return true
	})
	if err != nil {
		return printed, err
	}
	if writeErr != nil {
		return printed, fmt.Errorf("write output: %w", writeErr)
	}
	return printed, nil
}

func printResult(u *unique.Unique, f format, out *bufio.Writer) (uint64, error) {
	res, err := u.Get()
	if err != nil {
		return 0, err
	}
	var (
		line     []byte
		writeErr error
	)
	err = res.Scan(func(key []byte) bool {
		line = append(f.appendKey(line[:0], key), '\n')
		_, writeErr = out.Write(line)
		return writeErr == nil
	})
	if err != nil {
		return 0, err
	}
	if writeErr != nil {
		return 0, fmt.Errorf("write output: %w", writeErr)
	}
	return res.Len(), nil
}
