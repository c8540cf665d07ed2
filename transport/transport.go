// Package transport moves built images to targets as a compressed stream
// over the target's executor. No registry is involved.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
)

// ImageSource produces an image archive, like `docker save`.
type ImageSource interface {
	Save(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Pusher streams images from a local source to targets.
type Pusher struct {
	src         ImageSource
	level       zstd.EncoderLevel
	concurrency int
}

func NewPusher(src ImageSource) *Pusher {
	return &Pusher{
		src:         src,
		level:       zstd.SpeedFastest,
		concurrency: runtime.GOMAXPROCS(0),
	}
}

// Push loads artifact into the target's image store. The push is skipped
// when the target already holds the same image id. Cancelling ctx
// interrupts both the local save and the remote load.
func (p *Pusher) Push(ctx context.Context, artifact domain.ArtifactRef, rt *docker.CLI) error {
	if artifact.ID != "" {
		if id, err := rt.ImageID(ctx, artifact.Image); err == nil && id == artifact.ID {
			slog.Info("Image already present on target, skipping push",
				"layer", "transport", "image", artifact.Image)
			return nil
		}
	}

	start := time.Now()
	pr, pw := io.Pipe()
	var raw, compressed atomic.Int64

	produced := make(chan error, 1)
	go func() {
		err := p.produce(ctx, artifact.Image, &countingWriter{w: pw, n: &compressed}, &raw)
		_ = pw.CloseWithError(err)
		produced <- err
	}()

	var stderr strings.Builder
	streamErr := rt.Executor().Stream(ctx, rt.LoadCommand(), pr, io.Discard, &stderr)
	_ = pr.CloseWithError(errors.New("remote load finished"))
	produceErr := <-produced

	if err := classify(ctx, streamErr, produceErr, stderr.String()); err != nil {
		slog.Error("Image push failed", "layer", "transport", "image", artifact.Image, "error", err)
		return err
	}

	if artifact.ID != "" {
		id, err := rt.ImageID(ctx, artifact.Image)
		if err != nil {
			return fmt.Errorf("%w: verify pushed image: %w", domain.ErrTransport, err)
		}
		if id != artifact.ID {
			return fmt.Errorf("%w: target reports image id %q for %s, expected %q",
				domain.ErrTransport, id, artifact.Image, artifact.ID)
		}
	}

	slog.Info("Image pushed", "layer", "transport", "image", artifact.Image,
		"bytes", raw.Load(), "compressed_bytes", compressed.Load(),
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func (p *Pusher) produce(ctx context.Context, ref string, out io.Writer, raw *atomic.Int64) error {
	rc, err := p.src.Save(ctx, ref)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	enc, err := zstd.NewWriter(out,
		zstd.WithEncoderLevel(p.level),
		zstd.WithEncoderConcurrency(p.concurrency),
	)
	if err != nil {
		return fmt.Errorf("zstd encoder: %w", err)
	}
	n, err := io.Copy(enc, rc)
	raw.Store(n)
	if err != nil {
		_ = enc.Close()
		return fmt.Errorf("compress image %s: %w", ref, err)
	}
	return enc.Close()
}

// classify picks the most informative failure. The remote side usually
// knows why a stream broke; the local side explains a failed save.
func classify(ctx context.Context, streamErr, produceErr error, stderr string) error {
	if streamErr == nil && produceErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: push interrupted: %w", domain.ErrTransport, ctx.Err())
	}
	if errors.Is(streamErr, domain.ErrAuth) {
		return streamErr
	}
	if streamErr != nil {
		msg := strings.TrimSpace(stderr)
		if produceErr != nil && msg == "" {
			return fmt.Errorf("%w: %w", domain.ErrTransport, produceErr)
		}
		if errors.Is(streamErr, domain.ErrTransport) {
			return streamErr
		}
		if msg != "" {
			return fmt.Errorf("%w: remote load: %w: %s", domain.ErrTransport, streamErr, msg)
		}
		return fmt.Errorf("%w: remote load: %w", domain.ErrTransport, streamErr)
	}
	return fmt.Errorf("%w: %w", domain.ErrTransport, produceErr)
}

type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n.Add(int64(n))
	return n, err
}
