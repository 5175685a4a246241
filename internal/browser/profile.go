package browser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wordflow/autopilot/internal/entity"
)

// lockSentinels are files a running browser keeps inside its profile. Their
// presence in the master profile means a browser still has it open, and
// cloning it would corrupt every slot.
var lockSentinels = []string{"SingletonLock", "SingletonCookie", "SingletonSocket", "lockfile", "parent.lock"}

// BootstrapProfiles clones profile_master into profile_1..profile_N under
// root. It refuses to proceed while the master profile is locked. When a
// master exists, slot directories are recreated from it on every startup;
// without one, existing slot directories are kept as they are and missing
// ones are created empty.
func BootstrapProfiles(root string, poolSize int) error {
	master := filepath.Join(root, "profile_master")

	if info, err := os.Stat(master); err != nil || !info.IsDir() {
		// No master profile: slots start with fresh empty profiles.
		for i := 1; i <= poolSize; i++ {
			dir := filepath.Join(root, fmt.Sprintf("profile_%d", i))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create profile dir %s: %w", dir, err)
			}
		}
		return nil
	}

	for _, sentinel := range lockSentinels {
		if _, err := os.Lstat(filepath.Join(master, sentinel)); err == nil {
			return fmt.Errorf("%w: found %s", entity.ErrProfileLocked, sentinel)
		}
	}

	for i := 1; i <= poolSize; i++ {
		dir := filepath.Join(root, fmt.Sprintf("profile_%d", i))
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear profile dir %s: %w", dir, err)
		}
		if err := copyTree(master, dir); err != nil {
			return fmt.Errorf("failed to clone master profile into %s: %w", dir, err)
		}
	}
	return nil
}

// copyTree copies a directory recursively, skipping lock sentinels and
// symlinks.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		for _, sentinel := range lockSentinels {
			if filepath.Base(path) == sentinel {
				return nil
			}
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
