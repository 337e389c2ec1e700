// Command lumepull pulls a VM disk image from an OCI registry and
// materializes it as a local VM directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/trycua/lumepull/lib/config"
	"github.com/trycua/lumepull/lib/imagecache"
	"github.com/trycua/lumepull/lib/logger"
	"github.com/trycua/lumepull/lib/progress"
	"github.com/trycua/lumepull/lib/pull"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: lumepull <pull|images> [flags]")
	}

	cfg := config.Load()
	slogger := logger.NewLogger(logger.NewConfig())

	switch os.Args[1] {
	case "pull":
		return runPull(cfg, os.Args[2:])
	case "images":
		return runImages(cfg)
	default:
		slogger.Error("unknown subcommand", "subcommand", os.Args[1])
		return fmt.Errorf("unknown subcommand %q", os.Args[1])
	}
}

func runPull(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	name := fs.String("name", "", "VM name (defaults to the image's repository name)")
	dest := fs.String("dest", "", "VM directory root (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: lumepull pull [-name NAME] -dest DIR <image>")
	}
	if *dest == "" {
		return fmt.Errorf("-dest is required")
	}
	image := fs.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := pull.New(cfg, flagResolver{root: *dest}, nil)
	result, err := orch.Pull(ctx, image, pull.Options{
		Name: *name,
		OnProgress: func(s progress.Stats) {
			fmt.Fprintf(os.Stderr, "\r%s", s.String())
		},
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)
	fmt.Printf("pulled %s -> %s (manifest %s, %d bytes, cache_hit=%v)\n",
		image, result.VMDir, result.ManifestID, result.SizeBytes, result.CacheHit)
	return nil
}

func runImages(cfg *config.Config) error {
	store := imagecache.New(cfg.CacheRoot)
	images, err := store.EnumerateImages()
	if err != nil {
		return err
	}
	for _, img := range images {
		fmt.Printf("%s/%s/%s\t%s\t%d bytes\n",
			img.RegistryHost, img.Organization, img.ShortImageID, img.Metadata.SourceImage, img.Metadata.SizeBytes)
	}
	return nil
}

// flagResolver resolves every pull to a fixed VM directory, optionally
// namespaced by name. A real host application supplies a richer
// VMDirResolver (naming collisions, per-VM storage roots); this CLI only
// needs the single-destination case.
type flagResolver struct {
	root string
}

func (r flagResolver) Resolve(_ context.Context, image string, name string) (string, error) {
	if name != "" {
		return filepath.Join(r.root, name), nil
	}
	base := filepath.Base(image)
	if i := strings.IndexAny(base, ":@"); i >= 0 {
		base = base[:i]
	}
	return filepath.Join(r.root, base), nil
}
