package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tunnelmesh/s3relay/internal/notification"
	"github.com/tunnelmesh/s3relay/internal/objstore"
	"github.com/tunnelmesh/s3relay/internal/outcome"
	"github.com/tunnelmesh/s3relay/internal/queue"
)

// maxBodySize is the largest notification body replay accepts per line (SQS allows 256KiB).
const maxBodySize = 1 << 20

// errReplayFailed is returned when at least one replayed message failed.
var errReplayFailed = errors.New("replay: some messages were not acknowledged")

type replayOptions struct {
	input     string
	whole     bool
	batchSize int
	dryRun    bool
}

func newReplayCmd(flags *globalFlags) *cobra.Command {
	opts := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Process notification bodies from a file or stdin",
		Long: `Replay reads notification bodies, one JSON document per line, and runs them
through the same pipeline as the queue consumers. Use --whole to treat the
entire input as a single body.

With --dry-run, objects are copied between in-memory buckets seeded with an
empty placeholder for every referenced object, so parsing and the
acknowledgement decision can be checked without touching S3.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.input = args[0]
			}
			return runReplay(cmd, flags, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.whole, "whole", false, "treat the whole input as one message body")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 10, "messages per batch")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "copy between in-memory buckets instead of S3")
	return cmd
}

func runReplay(cmd *cobra.Command, flags *globalFlags, opts *replayOptions) error {
	ctx := cmd.Context()
	env, err := setup(ctx, flags, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer env.close()

	in := cmd.InOrStdin()
	if opts.input != "" && opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}
	msgs, err := readMessages(in, opts.whole)
	if err != nil {
		return err
	}

	var store objstore.ObjectStore
	if opts.dryRun {
		store = placeholderStore(env.cfg.DestinationBucket, msgs)
	} else {
		if store, err = env.objectStore(ctx); err != nil {
			return err
		}
	}
	w := env.newWorker(store)

	batchSize := opts.batchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	out := cmd.OutOrStdout()
	var total, acked int
	for start := 0; start < len(msgs); start += batchSize {
		batch := msgs[start:min(start+batchSize, len(msgs))]
		res, err := w.ProcessBatch(ctx, batch)
		if err != nil {
			return err
		}
		total += res.Total
		acked += len(res.Acknowledge)
		printFailures(out, res)
	}

	_, _ = fmt.Fprintf(out, "replayed %d messages: %d acknowledged, %d not acknowledged\n", total, acked, total-acked)
	if acked < total {
		return errReplayFailed
	}
	return nil
}

// readMessages splits r into messages with ids "line-N".
func readMessages(r io.Reader, whole bool) ([]queue.Message, error) {
	if whole {
		data, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		if len(data) > maxBodySize {
			return nil, fmt.Errorf("input exceeds %d bytes", maxBodySize)
		}
		return []queue.Message{{ID: "input", Body: string(data)}}, nil
	}

	var msgs []queue.Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxBodySize)
	line := 0
	for scanner.Scan() {
		line++
		body := strings.TrimSpace(scanner.Text())
		if body == "" {
			continue
		}
		msgs = append(msgs, queue.Message{ID: "line-" + strconv.Itoa(line), Body: body})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input line %d: %w", line+1, err)
	}
	return msgs, nil
}

// placeholderStore seeds an in-memory store with an empty object for every
// reference parsed from msgs.
func placeholderStore(dest string, msgs []queue.Message) *objstore.MemoryStore {
	store := objstore.NewMemoryStore(dest)
	for _, m := range msgs {
		res, _ := notification.Parse(m.Body)
		for _, ref := range res.References {
			store.CreateBucket(ref.Bucket)
			_ = store.PutBytes(ref.Bucket, ref.Key, nil, objstore.ObjectInfo{})
		}
	}
	return store
}

func printFailures(out io.Writer, res *outcome.BatchResult) {
	for _, f := range res.Failed {
		_, _ = fmt.Fprintf(out, "%s\t%s\t%s\n", f.MessageID, f.Kind, f.Detail)
	}
}
