// Package transfer copies one object from its source bucket into the
// destination bucket under the same key.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/s3relay/internal/notification"
	"github.com/tunnelmesh/s3relay/internal/objstore"
	"github.com/tunnelmesh/s3relay/pkg/bytesize"
)

// S3 limits for multipart uploads.
const (
	MinPartSize   = 5 * bytesize.MB
	MaxParts      = 10000
	MaxObjectSize = 5 * bytesize.TB
)

// Status of a single transfer.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// Path is the copy strategy used for an object.
type Path string

const (
	PathNone      Path = ""
	PathInline    Path = "inline"
	PathMultipart Path = "multipart"
)

// Outcome is the result of transferring one object reference.
type Outcome struct {
	Reference notification.ObjectReference
	Status    Status
	Kind      objstore.Kind
	Err       error
	Detail    string
	Bytes     int64
	Path      Path
	Duration  time.Duration
}

// OK reports whether the transfer succeeded.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// Config controls how objects are copied.
type Config struct {
	DestinationBucket string
	InlineThreshold   int64   // objects up to this size are buffered and re-put (default 16MB)
	PartSize          int64   // multipart part size (default 64MB)
	PartConcurrency   int     // parallel part copies per object (default 4)
	MaxObjectSize     int64   // larger objects are rejected (default 5TB)
	TransfersPerSec   float64 // 0 = unlimited
	Logger            zerolog.Logger
}

// Engine performs object transfers. It is safe for concurrent use.
type Engine struct {
	store   objstore.ObjectStore
	dest    string
	inline  int64
	part    int64
	partPar int
	maxSize int64
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewEngine creates a transfer engine writing into cfg.DestinationBucket.
func NewEngine(store objstore.ObjectStore, cfg Config) *Engine {
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = 16 * bytesize.MB
	}
	if cfg.PartSize < MinPartSize {
		cfg.PartSize = 64 * bytesize.MB
	}
	if cfg.PartConcurrency <= 0 {
		cfg.PartConcurrency = 4
	}
	if cfg.MaxObjectSize <= 0 || cfg.MaxObjectSize > MaxObjectSize {
		cfg.MaxObjectSize = MaxObjectSize
	}

	var limiter *rate.Limiter
	if cfg.TransfersPerSec > 0 {
		burst := int(cfg.TransfersPerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.TransfersPerSec), burst)
	}

	return &Engine{
		store:   store,
		dest:    cfg.DestinationBucket,
		inline:  cfg.InlineThreshold,
		part:    cfg.PartSize,
		partPar: cfg.PartConcurrency,
		maxSize: cfg.MaxObjectSize,
		limiter: limiter,
		logger:  cfg.Logger.With().Str("component", "transfer").Logger(),
	}
}

// DestinationBucket returns the bucket objects are copied into.
func (e *Engine) DestinationBucket() string { return e.dest }

// Transfer copies ref into the destination bucket. Any existing object under
// the same key is replaced. Failures are reported in the Outcome, never as a
// panic or error return.
func (e *Engine) Transfer(ctx context.Context, ref notification.ObjectReference) Outcome {
	start := time.Now()
	out := Outcome{Reference: ref}

	bytesCopied, path, err := e.transfer(ctx, ref)
	out.Path = path
	out.Duration = time.Since(start)
	if err != nil {
		out.Status = StatusFailure
		out.Err = err
		out.Kind = objstore.Classify(err)
		out.Detail = err.Error()
		e.logger.Debug().Err(err).
			Str("bucket", ref.Bucket).
			Str("key", ref.Key).
			Str("kind", string(out.Kind)).
			Msg("Transfer failed")
		return out
	}

	out.Status = StatusSuccess
	out.Bytes = bytesCopied
	e.logger.Debug().
		Str("bucket", ref.Bucket).
		Str("key", ref.Key).
		Str("dest", e.dest).
		Str("path", string(path)).
		Int64("bytes", bytesCopied).
		Dur("elapsed", out.Duration).
		Msg("Transferred object")
	return out
}

func (e *Engine) transfer(ctx context.Context, ref notification.ObjectReference) (int64, Path, error) {
	if e.dest == "" {
		return 0, PathNone, fmt.Errorf("no destination bucket configured: %w", objstore.ErrInvalidRequest)
	}
	if ref.Bucket == e.dest {
		return 0, PathNone, fmt.Errorf("source and destination bucket are both %q: %w", ref.Bucket, objstore.ErrInvalidRequest)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return 0, PathNone, fmt.Errorf("rate limit: %w", err)
		}
	}

	info, err := e.store.Head(ctx, ref.Bucket, ref.Key)
	if err != nil {
		return 0, PathNone, err
	}
	if info.Size > e.maxSize {
		return 0, PathNone, fmt.Errorf("%s is %s, limit %s: %w",
			ref, bytesize.Format(info.Size), bytesize.Format(e.maxSize), objstore.ErrObjectTooLarge)
	}

	if info.Size <= e.inline {
		n, err := e.copyInline(ctx, ref, info)
		return n, PathInline, err
	}
	n, err := e.copyMultipart(ctx, ref, info)
	return n, PathMultipart, err
}

// copyInline reads the object into memory and writes it to the destination.
// The buffer is bounded by the inline threshold.
func (e *Engine) copyInline(ctx context.Context, ref notification.ObjectReference, head objstore.ObjectInfo) (int64, error) {
	body, info, err := e.store.Get(ctx, ref.Bucket, ref.Key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	// The object may have been replaced since Head; never read past the threshold.
	buf := bytes.NewBuffer(make([]byte, 0, head.Size))
	n, err := io.Copy(buf, io.LimitReader(body, e.inline+1))
	if err != nil {
		return 0, fmt.Errorf("read s3://%s/%s: %w", ref.Bucket, ref.Key, err)
	}
	if n > e.inline {
		return 0, fmt.Errorf("s3://%s/%s grew past the inline threshold: %w",
			ref.Bucket, ref.Key, objstore.ErrObjectChanged)
	}

	info.Size = n
	if err := e.store.Put(ctx, e.dest, ref.Key, bytes.NewReader(buf.Bytes()), info); err != nil {
		return 0, err
	}
	return n, nil
}

// copyMultipart copies the object server-side in ranged parts. The upload is
// aborted on any failure so no partial object becomes visible.
func (e *Engine) copyMultipart(ctx context.Context, ref notification.ObjectReference, info objstore.ObjectInfo) (int64, error) {
	partSize := PartSizeFor(info.Size, e.part)
	uploadID, err := e.store.CreateMultipartUpload(ctx, e.dest, ref.Key, info)
	if err != nil {
		return 0, err
	}

	parts, err := e.copyParts(ctx, ref, info, uploadID, partSize)
	if err == nil {
		err = e.store.CompleteMultipartUpload(ctx, e.dest, ref.Key, uploadID, parts)
	}
	if err != nil {
		// Abort with a fresh context; the transfer's own may already be done.
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if abortErr := e.store.AbortMultipartUpload(abortCtx, e.dest, ref.Key, uploadID); abortErr != nil {
			e.logger.Warn().Err(abortErr).
				Str("key", ref.Key).
				Str("upload_id", uploadID).
				Msg("Failed to abort multipart upload")
		}
		return 0, err
	}
	return info.Size, nil
}

func (e *Engine) copyParts(ctx context.Context, ref notification.ObjectReference, info objstore.ObjectInfo, uploadID string, partSize int64) ([]objstore.CompletedPart, error) {
	size := info.Size
	src := objstore.PartSource{Bucket: ref.Bucket, Key: ref.Key, ETag: info.ETag}
	count := int((size + partSize - 1) / partSize)
	parts := make([]objstore.CompletedPart, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.partPar)
	for i := 0; i < count; i++ {
		first := int64(i) * partSize
		last := first + partSize - 1
		if last >= size {
			last = size - 1
		}
		partNumber := int32(i + 1)
		idx := i
		g.Go(func() error {
			part, err := e.store.CopyPart(gctx, src, e.dest, ref.Key, uploadID, partNumber, first, last)
			if err != nil {
				return err
			}
			parts[idx] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	for i, p := range parts {
		if p.PartNumber != int32(i+1) {
			return nil, errors.New("multipart copy produced a gap in part numbers")
		}
	}
	return parts, nil
}

// PartSizeFor returns the part size to use for an object of the given size,
// growing the preferred size so the upload fits in MaxParts parts.
func PartSizeFor(size, preferred int64) int64 {
	if preferred < MinPartSize {
		preferred = MinPartSize
	}
	if size <= preferred*MaxParts {
		return preferred
	}
	partSize := (size + MaxParts - 1) / MaxParts
	// Round up to a whole MB to keep ranges readable in logs.
	if rem := partSize % bytesize.MB; rem != 0 {
		partSize += bytesize.MB - rem
	}
	return partSize
}
