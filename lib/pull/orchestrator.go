// Package pull implements the Pull Orchestrator (C5): it drives the full
// image-to-VM-directory pipeline — parse the image spec, negotiate a
// manifest, consult the cache, download and reassemble what's missing, and
// atomically materialize the result at the caller's VM directory
// (spec.md §4.5).
package pull

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nrednav/cuid2"

	"github.com/trycua/lumepull/lib/config"
	"github.com/trycua/lumepull/lib/download"
	"github.com/trycua/lumepull/lib/imagecache"
	"github.com/trycua/lumepull/lib/logger"
	"github.com/trycua/lumepull/lib/manifest"
	"github.com/trycua/lumepull/lib/ociref"
	"github.com/trycua/lumepull/lib/progress"
	"github.com/trycua/lumepull/lib/pullmetrics"
	"github.com/trycua/lumepull/lib/reassemble"
	"github.com/trycua/lumepull/lib/registry"
	"github.com/trycua/lumepull/lib/vmpaths"
)

// VMDirResolver resolves the final VM directory for a pulled image. Picking
// and preparing that location (naming collisions, per-VM storage roots) is
// a host-application concern, supplied here as a collaborator rather than
// implemented by this module (spec.md §1 scope).
type VMDirResolver interface {
	Resolve(ctx context.Context, image string, name string) (string, error)
}

// Options configures a single Pull call.
type Options struct {
	// Name optionally overrides the VM name derived from the image spec.
	Name string
	// OnProgress, if set, receives rate-limited progress updates.
	OnProgress func(progress.Stats)
}

// Result summarizes a completed pull.
type Result struct {
	VMDir      string
	ManifestID string
	Digest     string
	SizeBytes  int64
	CacheHit   bool
}

// Orchestrator wires the registry client, cache store, download coordinator,
// and reassembler into the full pull sequence.
type Orchestrator struct {
	cfg      *config.Config
	client   *registry.Client
	cache    *imagecache.Store
	paths    *vmpaths.Cache
	resolver VMDirResolver
	metrics  *pullmetrics.Metrics
	log      *slog.Logger
}

// New creates an Orchestrator. metrics may be nil, in which case metrics
// recording is a no-op (spec.md §1: telemetry is optional). registryOpts
// is forwarded to registry.NewClient, e.g. to point at a test server.
func New(cfg *config.Config, resolver VMDirResolver, metrics *pullmetrics.Metrics, registryOpts ...registry.Option) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		client:   registry.NewClient(cfg.RegistryHost, registry.DefaultHttpConfig(), registryOpts...),
		cache:    imagecache.New(cfg.CacheRoot),
		paths:    vmpaths.New(cfg.CacheRoot),
		resolver: resolver,
		metrics:  metrics,
		log:      logger.NewSubsystemLogger(logger.SubsystemPull, logger.NewConfig()),
	}
}

// Pull executes the full image pull sequence for image (an "org/repo:tag"
// or "org/repo@sha256:..." spec), materializing the result at the
// VM directory the resolver returns.
func (o *Orchestrator) Pull(ctx context.Context, image string, opts Options) (Result, error) {
	start := o.metrics.StartTimer()

	ref, err := ociref.Parse(image)
	if err != nil {
		return Result{}, InvalidImageSpec(image, err)
	}

	vmDir, err := o.resolver.Resolve(ctx, image, opts.Name)
	if err != nil {
		return Result{}, ReassemblySetupFailed(vmDir, err)
	}

	token, err := o.client.GetToken(ctx, ref.Repository())
	if err != nil {
		return Result{}, TokenFetchFailed(ref.Repository(), err)
	}

	tagOrDigest := ref.Tag()
	if tagOrDigest == "" {
		tagOrDigest = ref.Digest()
	}
	m, digest, err := o.client.GetManifest(ctx, ref.Repository(), tagOrDigest, token)
	if err != nil {
		return Result{}, ManifestFetchFailed(ref.Repository(), tagOrDigest, err)
	}
	if err := manifest.Validate(m); err != nil {
		return Result{}, ManifestFetchFailed(ref.Repository(), tagOrDigest, err)
	}

	manifestID := manifest.ID(digest)
	organization := organizationOf(ref.Repository())

	o.log.Info("resolved manifest", "image", image, "manifest_id", manifestID, "digest", digest)

	if o.cfg.CacheEnabled {
		hit, err := o.cache.Validate(o.cfg.RegistryHost, organization, manifestID, m)
		if err != nil {
			o.log.Warn("cache validation failed, falling back to fresh pull", "error", err)
		} else if hit {
			o.metrics.RecordCacheHit()
			result, err := o.materializeFromCache(organization, manifestID, vmDir)
			if err == nil {
				o.metrics.RecordDuration(start)
				return result, nil
			}
			o.log.Warn("cached image unusable, re-downloading", "error", err)
		}
	}

	result, err := o.pullFresh(ctx, ref, organization, manifestID, digest, m, token, vmDir, opts)
	if err != nil {
		return Result{}, err
	}
	o.metrics.RecordDuration(start)
	return result, nil
}

func (o *Orchestrator) materializeFromCache(organization, manifestID, vmDir string) (Result, error) {
	meta, err := o.cache.LoadMetadata(o.cfg.RegistryHost, organization, manifestID)
	if err != nil {
		return Result{}, err
	}
	imageDir, err := o.paths.ImageDir(o.cfg.RegistryHost, organization, manifestID)
	if err != nil {
		return Result{}, err
	}
	stagingDir := filepath.Join(os.TempDir(), "lume_vm_"+cuid2.Generate())
	defer os.RemoveAll(stagingDir)
	if err := copyKnownVMFiles(imageDir, stagingDir); err != nil {
		return Result{}, ReassemblySetupFailed(stagingDir, err)
	}
	if err := os.RemoveAll(vmDir); err != nil {
		return Result{}, ReassemblySetupFailed(vmDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(vmDir), 0o755); err != nil {
		return Result{}, ReassemblySetupFailed(vmDir, err)
	}
	if err := os.Rename(stagingDir, vmDir); err != nil {
		return Result{}, ReassemblySetupFailed(vmDir, err)
	}
	return Result{VMDir: vmDir, ManifestID: manifestID, Digest: meta.Digest, SizeBytes: meta.SizeBytes, CacheHit: true}, nil
}

// pullFresh downloads and reassembles an image that isn't already cached.
// All work happens in a staging directory that's discarded on any failure.
// On success its VM files are copied into the cache slot and the staging
// directory is then atomically renamed onto vmDir (spec.md I4).
func (o *Orchestrator) pullFresh(ctx context.Context, ref ociref.Ref, organization, manifestID, digest string, m manifest.Manifest, token string, vmDir string, opts Options) (Result, error) {
	stagingDir := filepath.Join(os.TempDir(), "lume_vm_"+cuid2.Generate())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return Result{}, ReassemblySetupFailed(stagingDir, err)
	}
	defer os.RemoveAll(stagingDir)

	tracker := progress.New(opts.OnProgress)
	// Guarantee a final emission on every return path, success or failure
	// (spec.md §4.6: "always emit first and last update").
	defer tracker.Finish()
	var total int64
	for _, l := range m.Layers {
		total += l.Size
	}
	tracker.SetTotal(total)

	classified := manifest.ClassifyLayers(m)

	// spec.md §4.5 step 6: cleanup/prepare/save run before the download
	// coordinator, not after reassembly succeeds, so a pull that fails
	// partway still leaves the cache directory's bookkeeping in place for
	// the next attempt's per-layer reuse and so old versions don't linger
	// through a chain of failures.
	var layerCache download.LayerCache
	if o.cfg.CacheEnabled {
		if err := o.cache.CleanupOldVersions(o.cfg.RegistryHost, organization, manifestID); err != nil {
			o.log.Warn("cleanup of old cache versions failed", "error", err)
		}
		if _, err := o.cache.Prepare(o.cfg.RegistryHost, organization, manifestID); err != nil {
			o.log.Warn("cache prepare failed, continuing without per-layer cache", "error", err)
		} else {
			_ = o.cache.SaveManifest(o.cfg.RegistryHost, organization, manifestID, m)
			_ = o.cache.SaveMetadata(o.cfg.RegistryHost, organization, manifestID, imagecache.Metadata{
				SourceImage: ref.String(),
				Digest:      digest,
				ManifestID:  manifestID,
			})
			layerCache = &cacheLayerPather{paths: o.paths, registryHost: o.cfg.RegistryHost, organization: organization, manifestID: manifestID}
		}
	}

	coordinator := download.New(o.client, o.cfg.MaxConcurrentDownloads, tracker, layerCache)
	staged, err := coordinator.Run(ctx, ref.Repository(), token, classified, stagingDir)
	if err != nil {
		layerDigest := digest
		var dlErr *registry.LayerDownloadFailedError
		if errors.As(err, &dlErr) {
			layerDigest = dlErr.Digest
		}
		return Result{}, LayerDownloadFailed(layerDigest, err)
	}

	var configDiskSize int64
	var wholeDiskStaged *download.StagedLayer
	var chunks []reassemble.Chunk
	for i := range staged {
		switch staged[i].Role {
		case manifest.RoleConfig:
			configDiskSize = readConfigDiskSize(staged[i].Path)
		case manifest.RoleWholeDisk:
			s := staged[i]
			wholeDiskStaged = &s
		case manifest.RoleDiskChunk:
			chunks = append(chunks, reassemble.Chunk{ClassifiedLayer: staged[i].ClassifiedLayer, StagedPath: staged[i].Path})
		}
	}

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].PartNumber < chunks[j].PartNumber })
	if err := verifyContiguousParts(chunks); err != nil {
		return Result{}, err
	}

	logicalSize, err := reassemble.LogicalSize(m, configDiskSize)
	if err != nil {
		return Result{}, MissingUncompressedSize()
	}

	diskPath := filepath.Join(stagingDir, "disk.img.reassembled")
	reassembler := reassemble.New()

	if len(chunks) > 0 {
		disk, err := reassembler.CreateSparseDisk(diskPath, logicalSize)
		if err != nil {
			return Result{}, FileCreationFailed(diskPath, err)
		}
		err = reassembler.AssembleChunks(chunks, disk)
		closeErr := disk.Close()
		if err != nil {
			return Result{}, DecompressionFailed(firstFailedPart(chunks, err), err)
		}
		if closeErr != nil {
			return Result{}, FileCreationFailed(diskPath, closeErr)
		}
	} else if wholeDiskStaged != nil {
		if err := reassembler.AssembleWholeDisk(wholeDiskStaged.Path, wholeDiskStaged.Decoder, diskPath); err != nil {
			return Result{}, DecompressionFailed(0, err)
		}
	} else {
		return Result{}, MissingPart(1)
	}

	if err := os.Rename(diskPath, filepath.Join(stagingDir, "disk.img")); err != nil {
		return Result{}, FileCreationFailed(diskPath, err)
	}

	if o.cfg.ConvertAfterPull {
		if err := maybeConvert(reassembler, stagingDir); err != nil {
			o.log.Warn("post-pull conversion skipped", "error", err)
		}
	}

	if o.cfg.CacheEnabled && layerCache != nil {
		_ = o.cache.SaveMetadata(o.cfg.RegistryHost, organization, manifestID, imagecache.Metadata{
			SourceImage: ref.String(),
			Digest:      digest,
			ManifestID:  manifestID,
			SizeBytes:   logicalSize,
		})
		if imageDir, err := o.paths.ImageDir(o.cfg.RegistryHost, organization, manifestID); err == nil {
			_ = copyKnownVMFiles(stagingDir, imageDir)
		}
	}

	if err := os.RemoveAll(vmDir); err != nil {
		return Result{}, ReassemblySetupFailed(vmDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(vmDir), 0o755); err != nil {
		return Result{}, ReassemblySetupFailed(vmDir, err)
	}
	if err := os.Rename(stagingDir, vmDir); err != nil {
		return Result{}, ReassemblySetupFailed(vmDir, err)
	}
	// stagingDir is gone after the rename; the deferred RemoveAll becomes a no-op.

	return Result{VMDir: vmDir, ManifestID: manifestID, Digest: digest, SizeBytes: logicalSize}, nil
}

// cacheLayerPather adapts vmpaths.Cache to download.LayerCache, giving the
// Download Coordinator the content-addressed cache path for a digest within
// one manifest's image directory (spec.md §4.3 per-layer reuse).
type cacheLayerPather struct {
	paths        *vmpaths.Cache
	registryHost string
	organization string
	manifestID   string
}

func (c *cacheLayerPather) Path(digest string) (string, error) {
	return c.paths.LayerPath(c.registryHost, c.organization, c.manifestID, digest)
}

func maybeConvert(r *reassemble.Reassembler, stagingDir string) error {
	const conversionHeadroom = 2 << 30 // 2 GiB
	diskPath := filepath.Join(stagingDir, "disk.img")
	stat, err := os.Stat(diskPath)
	if err != nil {
		return err
	}
	free, err := freeBytes(stagingDir)
	if err != nil {
		return err
	}
	if free < uint64(stat.Size())+conversionHeadroom {
		return fmt.Errorf("insufficient free space for conversion: have %d, need %d", free, stat.Size()+conversionHeadroom)
	}
	qcow2Path := filepath.Join(stagingDir, "disk.qcow2")
	if err := r.ConvertToQcow2(diskPath, qcow2Path); err != nil {
		return err
	}
	return os.Rename(qcow2Path, diskPath)
}

// readConfigDiskSize reads the optional "disk_size" field a staged OCI
// config layer may carry, used as the fallback logical-size source when
// the manifest annotation (spec.md §6, the primary source) is absent.
// Any read/parse failure is treated as "no fallback available" rather than
// aborting the pull — MissingUncompressedSize only fires once both sources
// are exhausted.
func readConfigDiskSize(configPath string) int64 {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return 0
	}
	var cfg struct {
		DiskSize int64 `json:"disk_size"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return 0
	}
	return cfg.DiskSize
}

func verifyContiguousParts(chunks []reassemble.Chunk) error {
	for i, c := range chunks {
		if c.PartNumber != i+1 {
			return MissingPart(i + 1)
		}
	}
	return nil
}

func firstFailedPart(chunks []reassemble.Chunk, err error) int {
	var decErr *reassemble.DecompressionFailedError
	if errors.As(err, &decErr) {
		return decErr.Part
	}
	if len(chunks) == 0 {
		return 0
	}
	return chunks[0].PartNumber
}

// organizationOf takes the first path segment of a repository as its
// organization, matching the cache layout's <registry>/<org>/<manifest_id>
// hierarchy (spec.md §6).
func organizationOf(repository string) string {
	if i := strings.IndexByte(repository, '/'); i >= 0 {
		return repository[:i]
	}
	return repository
}
