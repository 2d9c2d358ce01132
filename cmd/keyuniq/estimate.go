package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/freeeve/keyuniq/internal/cost"
	"github.com/freeeve/keyuniq/internal/unique"
)

func estimateCommand() *cli.Command {
	return &cli.Command{
		Name:  "estimate",
		Usage: "Estimate the cost of finding the distinct keys without doing it",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "keys",
				Aliases:  []string{"n"},
				Usage:    "Number of distinct keys",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "key-size",
				Aliases: []string{"k"},
				Usage:   "Key width in bytes",
				Value:   8,
			},
			&cli.Int64Flag{
				Name:    "memory",
				Aliases: []string{"m"},
				Usage:   "Memory budget of the in-memory tree in bytes",
				Value:   unique.DefaultMemoryBudget,
			},
			&cli.FloatFlag{
				Name:  "compare-factor",
				Usage: "Key comparisons that cost as much as one disk seek",
				Value: 50,
			},
			&cli.BoolFlag{
				Name:  "intersect",
				Usage: "Keep occurrence counters with every spilled key",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			n := c.Int64("keys")
			keySize := c.Int("key-size")
			if n < 0 || keySize <= 0 {
				return fmt.Errorf("--keys must not be negative and --key-size must be positive")
			}
			b := cost.Estimate(uint64(n), keySize, c.Int64("memory"), c.Float("compare-factor"), c.Bool("intersect"))
			return printBreakdown(os.Stdout, b)
		},
	}
}

func printBreakdown(w io.Writer, b cost.Breakdown) error {
	where := "disk"
	if b.InMemory {
		where = "memory"
	}
	_, err := fmt.Fprintf(w, "cost\t%.3f\nfits\t%s\ntree_capacity\t%d\nfull_trees\t%d\nlast_tree\t%d\nbuild\t%.3f\nwrite\t%.3f\nmerge\t%.3f\nread\t%.3f\n",
		b.Cost, where, b.MaxElementsInTree, b.FullTrees, b.LastTreeElements,
		b.BuildCost, b.WriteCost, b.MergeCost, b.ReadCost)
	return err
}
