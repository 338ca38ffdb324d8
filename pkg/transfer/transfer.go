// Package transfer implements spec.md §4.8's image hand-off: docker save the
// built image, compress it, SFTP it to the target server, and docker load it
// there. The teacher compresses artifacts with klauspost/compress (its
// pkg/codecutil uses the zstd subpackage); this package uses the same
// module's gzip subpackage instead of zstd, because zstd compression is not
// guaranteed to be installed on an arbitrary operator server while gzip
// always is, and the remote side only needs to decompress, not the Go
// library, since it shells out to the system binary.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/klauspost/compress/gzip"

	"github.com/moorhq/moor/pkg/dockerengine"
	"github.com/moorhq/moor/pkg/sshtransport"
)

// Progress is sent on the channel passed to Send as the upload advances, one
// message per chunk rather than per byte so the CLI can redraw a status line
// without flooding it.
type Progress struct {
	Phase        string // "saving", "uploading", "loading"
	BytesDone    int64
	BytesTotal   int64 // 0 if unknown (the tar stream has no declared length)
}

// String renders a Progress using the same byte-size formatting the Docker
// CLI uses for pull/push progress bars.
func (p Progress) String() string {
	if p.BytesTotal > 0 {
		return fmt.Sprintf("%s: %s/%s", p.Phase, units.HumanSize(float64(p.BytesDone)), units.HumanSize(float64(p.BytesTotal)))
	}
	return fmt.Sprintf("%s: %s", p.Phase, units.HumanSize(float64(p.BytesDone)))
}

// emit is a no-op-safe send: if progress is nil, callers don't need to guard
// every call site.
func emit(progress chan<- Progress, p Progress) {
	if progress == nil {
		return
	}
	select {
	case progress <- p:
	default:
	}
}

// Send saves ref from the local Docker daemon, compresses it, uploads it to
// remotePath on the server reachable through sess, and loads it into the
// remote daemon via the docker CLI (spec.md §4.8). progress may be nil.
func Send(ctx context.Context, eng dockerengine.Engine, ref string, sess *sshtransport.Session, remotePath string, progress chan<- Progress) error {
	rc, err := eng.SaveImage(ctx, ref)
	if err != nil {
		return fmt.Errorf("save image %s: %w", ref, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "moor-image-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer tmp.Close()

	counter := &countingReader{r: rc}
	compressed := true
	gz, err := gzip.NewWriterLevel(tmp, gzip.DefaultCompression)
	if err != nil {
		// Fall back to an uncompressed copy rather than failing the deploy
		// over a codec-construction error.
		compressed = false
		if _, err := io.Copy(tmp, counter); err != nil {
			return fmt.Errorf("stage image (uncompressed fallback): %w", err)
		}
	} else {
		if _, err := io.Copy(gz, counter); err != nil {
			gz.Close()
			return fmt.Errorf("compress image: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("finalize compressed image: %w", err)
		}
	}
	emit(progress, Progress{Phase: "saving", BytesDone: counter.n})

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind staging file: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return fmt.Errorf("stat staging file: %w", err)
	}

	sftpClient, err := sess.SFTP()
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer sftpClient.Close()

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	defer remote.Close()
	// The remote staging file must go away whether the load below succeeds or
	// fails (spec.md §4.8): only the local temp file had a defer covering
	// both paths before.
	defer func() {
		if out, rmErr := sess.Run(fmt.Sprintf("rm -f %s", remotePath)); rmErr != nil {
			fmt.Fprintf(os.Stderr, "moor: clean up remote staging file %s: %v (output: %s)\n", remotePath, rmErr, out)
		}
	}()

	uploaded := &countingWriter{w: remote}
	uploadedProgress := &progressWriter{w: uploaded, total: info.Size(), progress: progress, phase: "uploading"}
	if _, err := io.Copy(uploadedProgress, tmp); err != nil {
		return fmt.Errorf("upload image to %s: %w", remotePath, err)
	}
	if err := remote.Close(); err != nil {
		return fmt.Errorf("close remote file %s: %w", remotePath, err)
	}

	emit(progress, Progress{Phase: "loading", BytesDone: uploaded.n, BytesTotal: info.Size()})

	loadCmd := fmt.Sprintf("docker load -i %s", remotePath)
	if compressed {
		loadCmd = fmt.Sprintf("gzip -dc %s | docker load", remotePath)
	}
	if out, err := sess.Run(loadCmd); err != nil {
		return fmt.Errorf("remote docker load failed: %w (output: %s)", err, out)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// progressWriter emits a Progress message for every underlying Write,
// wrapping a countingWriter so BytesDone reflects cumulative bytes written
// rather than just the current chunk.
type progressWriter struct {
	w        *countingWriter
	total    int64
	progress chan<- Progress
	phase    string
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	emit(p.progress, Progress{Phase: p.phase, BytesDone: p.w.n, BytesTotal: p.total})
	return n, err
}
