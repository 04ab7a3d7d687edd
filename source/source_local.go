package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"ckanloader/config"
)

// LocalSource implementation of a local data source - a watched directory accumulating archives
type LocalSource struct {
	// sourceDir an absolute path to the watched directory with input archives
	sourceDir string
	// processedDir target of the archival move, may be empty when the move is disabled
	processedDir string
}

// NewLocalSource is a constructor for creating a new LocalSource.
//
// - sourceDir: must point to an existing readable directory (validated by the
// configuration layer, re-checked here because listing fails loudly otherwise).
// - processedDir: may be empty when the archival move is disabled.
func NewLocalSource(sourceDir, processedDir string) (*LocalSource, error) {
	sourceDir = filepath.Clean(sourceDir)
	if info, err := os.Stat(sourceDir); err != nil {
		return nil, fmt.Errorf("NewLocalSource(): failed to access sourceDir: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("NewLocalSource(): sourceDir is not a directory: %s", sourceDir)
	}
	return &LocalSource{sourceDir: sourceDir, processedDir: processedDir}, nil
}

func (l *LocalSource) ListArchives() ([]string, error) {
	entries, err := os.ReadDir(l.sourceDir)
	if err != nil {
		return nil, fmt.Errorf("error accessing directory %s: %w", l.sourceDir, err)
	}

	var archives []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(entry.Name()), config.ArchiveExtension) {
			continue
		}
		// skip files the process cannot actually open - they would fail staging anyway
		fullPath := filepath.Join(l.sourceDir, entry.Name())
		if f, err := os.Open(fullPath); err != nil {
			log.Warn("Skipping unreadable file", zap.String("file", entry.Name()), zap.Error(err))
			continue
		} else {
			_ = f.Close()
		}
		archives = append(archives, entry.Name())
	}

	// Process files in a consistent order (alphabetical)
	sort.Strings(archives)
	return archives, nil
}

func (l *LocalSource) Fetch(relativePath string) (FileInfo, error) {
	fullPath := filepath.Join(l.sourceDir, relativePath)
	info, err := os.Stat(fullPath)
	if err != nil {
		return FileInfo{}, fmt.Errorf("Fetch(): failed to access file '%s': %w", fullPath, err)
	}
	return FileInfo{RelativePath: relativePath, LocalPath: fullPath, Size: info.Size(), Temp: false}, nil
}

// MoveToProcessed moves the original archive into the processed directory.
// Name collisions are resolved by appending a millisecond timestamp before the
// extension; an existing file is never overwritten. An atomic rename is
// preferred, with a copy-then-delete fallback when the processed directory is
// on a different filesystem.
func (l *LocalSource) MoveToProcessed(relativePath string) (string, error) {
	if l.processedDir == "" {
		return "", fmt.Errorf("MoveToProcessed(): no processed directory configured")
	}
	sourcePath := filepath.Join(l.sourceDir, relativePath)
	if _, err := os.Stat(sourcePath); err != nil {
		return "", fmt.Errorf("MoveToProcessed(): source file no longer exists: %w", err)
	}
	if err := os.MkdirAll(l.processedDir, 0o755); err != nil {
		return "", fmt.Errorf("MoveToProcessed(): failed to create processed directory: %w", err)
	}

	name := filepath.Base(relativePath)
	destPath := filepath.Join(l.processedDir, name)
	if _, err := os.Stat(destPath); err == nil {
		ext := filepath.Ext(name)
		stamped := fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), time.Now().UnixMilli(), ext)
		log.Warn("File already exists in the processed directory, renaming",
			zap.String("file", name), zap.String("newName", stamped))
		destPath = filepath.Join(l.processedDir, stamped)
		if _, err := os.Stat(destPath); err == nil {
			return "", fmt.Errorf("MoveToProcessed(): destination '%s' already exists", destPath)
		}
	}

	if err := os.Rename(sourcePath, destPath); err != nil {
		// likely a cross-filesystem move - fall back to copy-then-delete
		log.Warn("Atomic rename failed, attempting copy-then-delete",
			zap.String("file", name), zap.Error(err))
		if err := copyThenDelete(sourcePath, destPath); err != nil {
			return "", fmt.Errorf("MoveToProcessed(): %w", err)
		}
	}
	return destPath, nil
}

// copyThenDelete copies the file to the destination without overwriting and removes the original.
func copyThenDelete(sourcePath, destPath string) error {
	in, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("copyThenDelete(): failed to open '%s': %w", sourcePath, err)
	}
	defer func(in *os.File) {
		if err := in.Close(); err != nil {
			log.Error("copyThenDelete(): failed to close the source file",
				zap.String("file", in.Name()), zap.Error(err))
		}
	}(in)

	// O_EXCL keeps the never-overwrite guarantee even if the destination appeared meanwhile
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("copyThenDelete(): failed to create '%s': %w", destPath, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(destPath)
		return fmt.Errorf("copyThenDelete(): failed to copy to '%s': %w", destPath, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("copyThenDelete(): failed to close '%s': %w", destPath, err)
	}
	if err := os.Remove(sourcePath); err != nil {
		return fmt.Errorf("copyThenDelete(): copied but failed to remove the original '%s': %w", sourcePath, err)
	}
	return nil
}

func (l *LocalSource) Dispose(file FileInfo) {
	if file.Temp {
		err := os.Remove(file.LocalPath) // Delete the file
		if err != nil {
			log.Error("Failed to delete file: %v", zap.Error(err))
		}
	}
}
