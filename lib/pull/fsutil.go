package pull

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// freeBytes reports free space on the filesystem containing path, used by
// the post-pull conversion's headroom check (spec.md §9 Open Questions #1).
func freeBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// vmOutputFiles are the only files a completed VM directory ever contains
// (spec.md §6): disk.img is always required, config.json and nvram.bin are
// present only when the image carried those layers.
var vmOutputFiles = []struct {
	name     string
	required bool
}{
	{"disk.img", true},
	{"config.json", false},
	{"nvram.bin", false},
}

// copyKnownVMFiles copies only disk.img, config.json, and nvram.bin (those
// that exist) from srcDir into dstDir, by name. It never carries along
// bookkeeping files (manifest.json, metadata.json) or stray
// disk.img.part.N staging leftovers, so the destination directory ends up
// with exactly the contract spec.md §6 promises.
func copyKnownVMFiles(srcDir, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	for _, f := range vmOutputFiles {
		srcPath := filepath.Join(srcDir, f.name)
		info, err := os.Stat(srcPath)
		if err != nil {
			if os.IsNotExist(err) && !f.required {
				continue
			}
			return err
		}
		if err := copyFile(srcPath, filepath.Join(dstDir, f.name), info.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
