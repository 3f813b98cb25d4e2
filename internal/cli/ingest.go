package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/KafClaw/autotune/internal/collector"
	"github.com/KafClaw/autotune/internal/store"
)

var ingestBatch int

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|->",
	Short: "Record interaction telemetry from a JSON-lines file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		col := collector.New(s, collector.Options{})
		n, skipped, err := ingestLines(context.Background(), col, in, ingestBatch)
		fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d interaction(s), skipped %d line(s)\n", n, skipped)
		return err
	},
}

func init() {
	ingestCmd.Flags().IntVar(&ingestBatch, "batch", 500, "Records per transaction")
	rootCmd.AddCommand(ingestCmd)
}

// ingestLines decodes one record (or array of records) per line and writes
// them in batches. Undecodable lines are counted and skipped.
func ingestLines(ctx context.Context, col *collector.Collector, in io.Reader, batch int) (int, int, error) {
	if batch <= 0 {
		batch = 500
	}
	var (
		buf     []store.InteractionRecord
		total   int
		skipped int
	)
	flush := func() error {
		n, err := col.RecordInteractions(ctx, buf)
		total += n
		skipped += len(buf) - n
		buf = buf[:0]
		return err
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		recs, err := collector.DecodeInteractions(line)
		if err != nil {
			skipped++
			continue
		}
		buf = append(buf, recs...)
		if len(buf) >= batch {
			if err := flush(); err != nil {
				return total, skipped, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return total, skipped, err
	}
	return total, skipped, flush()
}
