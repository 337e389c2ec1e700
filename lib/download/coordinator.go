// Package download implements the Download Coordinator (C3): it fans layer
// downloads out across a bounded worker window, places each layer's bytes
// at the staging path its role dictates, and deduplicates concurrent
// requests for the same digest process-wide (spec.md §4.3 I3).
package download

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trycua/lumepull/lib/manifest"
	"github.com/trycua/lumepull/lib/progress"
	"github.com/trycua/lumepull/lib/registry"
)

// inFlightPollInterval is how often a caller waiting on a digest someone
// else is already downloading rechecks for completion (spec.md §4.3).
const inFlightPollInterval = time.Second

// inFlightRegistry deduplicates concurrent downloads of the same digest
// across the whole process, not just within one Coordinator.Run call.
type inFlightRegistry struct {
	mu     sync.Mutex
	active map[string]chan struct{}
}

var globalInFlight = &inFlightRegistry{active: make(map[string]chan struct{})}

// claim registers digest as in-flight. If another goroutine already holds
// it, claim blocks (polling) until that download finishes, then reports
// ok=false so the caller skips its own download and relies on the file the
// other goroutine wrote. If this call wins the race, ok=true and done must
// be called exactly once when the download finishes.
func (r *inFlightRegistry) claim(ctx context.Context, digest string) (done func(), ok bool, err error) {
	for {
		r.mu.Lock()
		if ch, exists := r.active[digest]; exists {
			r.mu.Unlock()
			select {
			case <-ch:
				return nil, false, nil
			case <-time.After(inFlightPollInterval):
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		ch := make(chan struct{})
		r.active[digest] = ch
		r.mu.Unlock()
		return func() {
			r.mu.Lock()
			delete(r.active, digest)
			r.mu.Unlock()
			close(ch)
		}, true, nil
	}
}

// Registry is the subset of *registry.Client the coordinator needs.
type Registry interface {
	DownloadBlob(ctx context.Context, repository, digest, mediaType, token, destPath string, progress registry.Progress) error
}

// LayerCache resolves the on-disk, content-addressed path a layer's bytes
// should persist at, independent of any one staging directory. The
// coordinator consults it before downloading (spec.md §4.3 step 1) and
// populates it after a fresh download (step 3), so a retried pull of the
// same manifest_id can reuse layers an earlier, interrupted attempt already
// fetched. A nil LayerCache disables this and every layer is downloaded
// straight to its staging path.
type LayerCache interface {
	// Path returns where digest's bytes live (or should be written), not
	// guaranteed to exist yet.
	Path(digest string) (string, error)
}

// Coordinator downloads a manifest's classified layers into a staging
// directory, respecting spec.md's per-role placement rules and a bounded
// concurrency window.
type Coordinator struct {
	client      Registry
	concurrency int
	tracker     *progress.Tracker
	cache       LayerCache
}

// New creates a Coordinator. concurrency is the caller's
// config.MaxConcurrentDownloads (already clamped to [2, 12]). cache may be
// nil to disable the per-digest content-addressed cache.
func New(client Registry, concurrency int, tracker *progress.Tracker, cache LayerCache) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{client: client, concurrency: concurrency, tracker: tracker, cache: cache}
}

// StagedLayer is one classified layer resolved to its staging-directory
// destination path.
type StagedLayer struct {
	manifest.ClassifiedLayer
	Path string
}

// StagingPath computes the staging-directory filename for a classified
// layer per spec.md §6: whole-disk layers land at disk.img, the config
// layer at config.json, nvram at nvram.bin, and disk chunks at
// disk.img.part.<N>.
func StagingPath(stagingDir string, cl manifest.ClassifiedLayer) string {
	switch cl.Role {
	case manifest.RoleConfig:
		return filepath.Join(stagingDir, "config.json")
	case manifest.RoleNVRAM:
		return filepath.Join(stagingDir, "nvram.bin")
	case manifest.RoleWholeDisk:
		return filepath.Join(stagingDir, "disk.img")
	case manifest.RoleDiskChunk:
		return filepath.Join(stagingDir, fmt.Sprintf("disk.img.part.%d", cl.PartNumber))
	default:
		return filepath.Join(stagingDir, cl.Digest)
	}
}

// Run downloads every non-empty classified layer of m into stagingDir,
// reusing any cached copy of a digest and deduplicating concurrent
// downloads of the same digest across the whole process.
func (c *Coordinator) Run(ctx context.Context, repository, token string, layers []manifest.ClassifiedLayer, stagingDir string) ([]StagedLayer, error) {
	staged := make([]StagedLayer, len(layers))

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(c.concurrency)

	for i, cl := range layers {
		i, cl := i, cl
		if cl.Role == manifest.RoleEmpty {
			continue
		}
		dest := StagingPath(stagingDir, cl)
		staged[i] = StagedLayer{ClassifiedLayer: cl, Path: dest}

		grp.Go(func() error {
			return c.fetchLayer(gctx, repository, token, cl, dest)
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}

	out := make([]StagedLayer, 0, len(staged))
	for _, s := range staged {
		if s.Path != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// fetchLayer resolves one classified layer's bytes at dest, following
// spec.md §4.3's step list: reuse a cached copy if one exists, otherwise
// join or win the in-flight claim for this digest and download it, leaving
// a copy in the cache for the next caller before crediting dest.
func (c *Coordinator) fetchLayer(ctx context.Context, repository, token string, cl manifest.ClassifiedLayer, dest string) error {
	if c.cache == nil {
		return c.downloadDirect(ctx, repository, token, cl, dest)
	}

	cachePath, err := c.cache.Path(cl.Digest)
	if err != nil {
		return err
	}

	if hit, err := copyIfExists(cachePath, dest); err != nil {
		return err
	} else if hit {
		c.credit(cl.Size)
		return nil
	}

	done, won, err := globalInFlight.claim(ctx, cl.Digest)
	if err != nil {
		return err
	}
	if !won {
		// The other goroutine's download finished (the claim wait returned);
		// its bytes belong in the cache now.
		hit, err := copyIfExists(cachePath, dest)
		if err != nil {
			return err
		}
		if !hit {
			return fmt.Errorf("digest %s: in-flight download finished without a cached copy", cl.Digest)
		}
		c.credit(cl.Size)
		return nil
	}
	defer done()

	// Another goroutine may have populated the cache between our first
	// check and winning the claim.
	if hit, err := copyIfExists(cachePath, dest); err != nil {
		return err
	} else if hit {
		c.credit(cl.Size)
		return nil
	}

	if err := c.client.DownloadBlob(ctx, repository, cl.Digest, cl.MediaType, token, cachePath, c.tracker); err != nil {
		return err
	}
	if err := copyFile(cachePath, dest); err != nil {
		return err
	}
	if c.tracker != nil {
		c.tracker.CompleteFile()
	}
	return nil
}

// downloadDirect is the no-cache fallback: always fetch straight into dest.
// With no shared copy to reuse, concurrent same-digest downloads within this
// process are serialized (each waits for the in-flight one to finish, then
// claims the digest and downloads into its own dest) rather than shared.
func (c *Coordinator) downloadDirect(ctx context.Context, repository, token string, cl manifest.ClassifiedLayer, dest string) error {
	done, won, err := globalInFlight.claim(ctx, cl.Digest)
	for err == nil && !won {
		done, won, err = globalInFlight.claim(ctx, cl.Digest)
	}
	if err != nil {
		return err
	}
	defer done()

	if err := c.client.DownloadBlob(ctx, repository, cl.Digest, cl.MediaType, token, dest, c.tracker); err != nil {
		return err
	}
	if c.tracker != nil {
		c.tracker.CompleteFile()
	}
	return nil
}

func (c *Coordinator) credit(size int64) {
	if c.tracker != nil {
		c.tracker.AddProgress(size)
		c.tracker.CompleteFile()
	}
}

// copyIfExists copies src to dst and reports true, or reports false without
// error if src doesn't exist yet.
func copyIfExists(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer in.Close()
	return true, copyOpenFile(in, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return copyOpenFile(in, dst)
}

func copyOpenFile(in *os.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
