package store

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Trash moves a meeting folder to the OS recycle bin so deletion stays
// recoverable: ~/.Trash on macOS, the XDG trash layout elsewhere. The move
// is a single rename; when it fails (for example across devices) an error
// is returned and the folder stays where it was.
func (s *Store) Trash(folder string) error {
	src := s.Path(folder)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("trash %s: %w", folder, err)
	}

	dest, infoPath, err := trashDestination(folder)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	if infoPath != "" {
		if err := os.MkdirAll(filepath.Dir(infoPath), 0o755); err != nil {
			return err
		}
		info := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
			src, time.Now().Format("2006-01-02T15:04:05"))
		if err := atomicWrite(infoPath, []byte(info)); err != nil {
			return err
		}
	}

	if err := os.Rename(src, dest); err != nil {
		if infoPath != "" {
			os.Remove(infoPath)
		}
		return fmt.Errorf("move to trash: %w", err)
	}
	s.logger.Info("meeting trashed", "folder", folder, "dest", dest)
	return nil
}

// trashDestination picks a unique target in the platform trash. The info
// path is empty on macOS, where Finder needs no sidecar.
func trashDestination(folder string) (dest, infoPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}

	if runtime.GOOS == "darwin" {
		base := filepath.Join(home, ".Trash")
		return uniqueTrashName(base, folder), "", nil
	}

	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = filepath.Join(home, ".local", "share")
	}
	files := filepath.Join(dataHome, "Trash", "files")
	dest = uniqueTrashName(files, folder)
	infoPath = filepath.Join(dataHome, "Trash", "info", filepath.Base(dest)+".trashinfo")
	return dest, infoPath, nil
}

func uniqueTrashName(dir, name string) string {
	candidate := filepath.Join(dir, name)
	for i := 2; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s.%d", name, i))
	}
}
