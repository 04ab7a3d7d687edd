package staging

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"ckanloader/config"
	"ckanloader/utils"
)

// log a convenience wrapper to shorten code lines
var log = &utils.Logger

// Stage identifiers carried by IOError so the orchestrator can report which step failed.
const (
	StageStaging    = "staging"
	StageExtraction = "extraction"
)

// IOError is a local filesystem failure during staging or extraction.
// The Stage field tells the caller which step failed.
type IOError struct {
	Stage   string
	Archive string
	Err     error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s failed for '%s': %v", e.Stage, e.Archive, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ExtractedFile is a single file produced by unpacking an archive.
type ExtractedFile struct {
	// Path absolute path under the extraction directory
	Path string
	// RelPath path relative to the archive root, used in resource descriptions
	RelPath string
}

// Stager owns the working-area artifacts of one archive: the staged copy and
// the extraction directory. Both paths are unique per (base name, timestamp)
// so concurrent or successive runs never collide.
type Stager struct {
	// archivePath the local path of the original archive (possibly a temporary download)
	archivePath string
	// originalName the display name of the archive, used for logging and derived names
	originalName string
	// stagingRoot the configured working-area root; deletions are confined to it
	stagingRoot string

	stagedPath string
	extractDir string

	relevantExts  []string
	extractNested bool
}

// NewStager prepares unique working paths for one archive and makes sure the
// staging root exists. Nothing is copied yet - Stage does that.
func NewStager(archivePath, originalName string, conf *config.Config) (*Stager, error) {
	stagingRoot := filepath.Clean(conf.StagingDir)
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("NewStager(): failed to create the staging directory '%s': %w", stagingRoot, err)
	}

	base := utils.StripExtension(filepath.Base(originalName))
	ext := filepath.Ext(originalName)
	uniqueSuffix := fmt.Sprintf("%s_%d", base, time.Now().UnixMilli())

	return &Stager{
		archivePath:   archivePath,
		originalName:  originalName,
		stagingRoot:   stagingRoot,
		stagedPath:    filepath.Join(stagingRoot, uniqueSuffix+ext),
		extractDir:    filepath.Join(stagingRoot, "extracted_"+uniqueSuffix),
		relevantExts:  conf.RelevantExtensions,
		extractNested: conf.ExtractNestedZips,
	}, nil
}

// OriginalName returns the display name of the archive under processing.
func (s *Stager) OriginalName() string {
	return s.originalName
}

// ExtractDir returns the extraction directory of this archive.
func (s *Stager) ExtractDir() string {
	return s.extractDir
}

// Stage copies the archive into the working area under its unique name.
// The modification time is preserved best-effort. A partial copy left behind by
// a failure is removed before the error surfaces.
func (s *Stager) Stage() (string, error) {
	log.Info("Copying to staging area", zap.String("archive", s.originalName))

	if err := copyFile(s.archivePath, s.stagedPath); err != nil {
		_ = os.Remove(s.stagedPath)
		return "", &IOError{Stage: StageStaging, Archive: s.originalName, Err: err}
	}

	// best-effort: keep the original modification time on the staged copy
	if info, err := os.Stat(s.archivePath); err == nil {
		if err := os.Chtimes(s.stagedPath, time.Now(), info.ModTime()); err != nil {
			log.Warn("Could not copy file attributes",
				zap.String("archive", s.originalName), zap.Error(err))
		}
	}

	log.Debug("Copied to staging", zap.String("archive", s.originalName),
		zap.String("stagedPath", s.stagedPath))
	return s.stagedPath, nil
}

// copyFile streams src to dst without overwriting an existing destination.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copyFile(): failed to open '%s': %w", src, err)
	}
	defer func(in *os.File) {
		if err := in.Close(); err != nil {
			log.Error("copyFile(): failed to close the source file",
				zap.String("file", in.Name()), zap.Error(err))
		}
	}(in)

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("copyFile(): failed to create '%s': %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copyFile(): failed to copy to '%s': %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("copyFile(): failed to close '%s': %w", dst, err)
	}
	return nil
}

// Extract unpacks the staged archive into the extraction directory and returns
// the files eligible for publishing, in archive-entry order.
//
// The staged archive is opened as a random-access entry index so every entry is
// located independently. An entry whose normalized destination escapes the
// extraction directory is a traversal attempt: it is skipped and logged, the
// rest of the archive still extracts. Any corrupt-archive or I/O failure
// removes the extraction directory best-effort and fails the whole archive.
func (s *Stager) Extract() ([]ExtractedFile, error) {
	reader, err := zip.OpenReader(s.stagedPath)
	if err != nil {
		s.safeRemoveDir(s.extractDir)
		return nil, &IOError{Stage: StageExtraction, Archive: s.originalName,
			Err: fmt.Errorf("corrupt or invalid archive: %w", err)}
	}
	defer func(reader *zip.ReadCloser) {
		if err := reader.Close(); err != nil {
			log.Error("Extract(): failed to close the archive",
				zap.String("archive", s.originalName), zap.Error(err))
		}
	}(reader)

	log.Info("Starting extraction", zap.String("archive", s.originalName),
		zap.String("extractDir", s.extractDir))

	if err := os.MkdirAll(s.extractDir, 0o755); err != nil {
		return nil, &IOError{Stage: StageExtraction, Archive: s.originalName, Err: err}
	}

	var extracted []ExtractedFile
	for _, entry := range reader.File {
		// Join cleans the path, so "../" components collapse before the containment check
		destination := filepath.Join(s.extractDir, filepath.FromSlash(entry.Name))
		if !isStrictDescendant(s.extractDir, destination) {
			log.Error("SECURITY RISK: archive entry attempted path traversal, skipping entry",
				zap.String("archive", s.originalName), zap.String("entry", entry.Name))
			continue
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(destination, 0o755); err != nil {
				s.safeRemoveDir(s.extractDir)
				return nil, &IOError{Stage: StageExtraction, Archive: s.originalName, Err: err}
			}
			continue
		}

		if err := s.extractEntry(entry, destination); err != nil {
			s.safeRemoveDir(s.extractDir)
			return nil, &IOError{Stage: StageExtraction, Archive: s.originalName, Err: err}
		}
		relPath, err := filepath.Rel(s.extractDir, destination)
		if err != nil {
			relPath = entry.Name
		}
		extracted = append(extracted, ExtractedFile{Path: destination, RelPath: filepath.ToSlash(relPath)})
	}

	log.Info("Extraction complete", zap.String("archive", s.originalName),
		zap.Int("extracted", len(extracted)))

	return s.filterEligible(extracted), nil
}

// extractEntry streams one archive entry to disk without buffering the whole file.
func (s *Stager) extractEntry(entry *zip.File, destination string) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("extractEntry(): failed to create the parent of '%s': %w", destination, err)
	}
	in, err := entry.Open()
	if err != nil {
		return fmt.Errorf("extractEntry(): failed to open entry '%s': %w", entry.Name, err)
	}
	defer func(in io.ReadCloser) {
		if err := in.Close(); err != nil {
			log.Error("extractEntry(): failed to close the entry reader",
				zap.String("entry", entry.Name), zap.Error(err))
		}
	}(in)

	out, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("extractEntry(): failed to create '%s': %w", destination, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("extractEntry(): failed to write '%s': %w", destination, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("extractEntry(): failed to close '%s': %w", destination, err)
	}
	log.Trace("Extracted entry", zap.String("entry", entry.Name))
	return nil
}

// filterEligible applies the extension allow-list and the nested-archive policy
// to the full extracted set, preserving archive-entry order.
func (s *Stager) filterEligible(extracted []ExtractedFile) []ExtractedFile {
	eligible := extracted
	if len(s.relevantExts) > 0 {
		eligible = nil
		for _, file := range extracted {
			name := strings.ToLower(filepath.Base(file.Path))
			for _, ext := range s.relevantExts {
				if strings.HasSuffix(name, ext) {
					eligible = append(eligible, file)
					break
				}
			}
		}
		log.Info("Selected files by extension filter", zap.String("archive", s.originalName),
			zap.Int("selected", len(eligible)), zap.Strings("extensions", s.relevantExts))
	} else {
		log.Info("No extension filter configured, all extracted files are eligible",
			zap.String("archive", s.originalName), zap.Int("eligible", len(eligible)))
	}

	if !s.extractNested {
		kept := eligible[:0:len(eligible)]
		dropped := 0
		for _, file := range eligible {
			if strings.HasSuffix(strings.ToLower(file.Path), config.ArchiveExtension) {
				dropped++
				continue
			}
			kept = append(kept, file)
		}
		if dropped > 0 {
			log.Debug("Excluded nested archives from the eligible set",
				zap.String("archive", s.originalName), zap.Int("excluded", dropped))
		}
		return kept
	}

	for _, file := range eligible {
		if strings.HasSuffix(strings.ToLower(file.Path), config.ArchiveExtension) {
			log.Warn("Extraction of nested archives is enabled but NOT IMPLEMENTED - "+
				"nested archives are uploaded as opaque files",
				zap.String("archive", s.originalName))
			break
		}
	}
	return eligible
}

// CleanupStaging deletes the staged copy and the extraction directory.
// Failures are logged, never returned - cleanup runs after the outcome of the
// archive is already decided.
func (s *Stager) CleanupStaging() {
	log.Info("Cleaning up staging area", zap.String("archive", s.originalName))

	if _, err := os.Stat(s.stagedPath); err == nil {
		if err := os.Remove(s.stagedPath); err != nil {
			log.Warn("Could not delete the staged copy",
				zap.String("stagedPath", s.stagedPath), zap.Error(err))
		} else {
			log.Debug("Deleted the staged copy", zap.String("stagedPath", s.stagedPath))
		}
	}

	s.safeRemoveDir(s.extractDir)
}

// safeRemoveDir removes a directory tree, but only when its absolute normalized
// path is a strict descendant of the staging root. A path outside the root is
// refused and logged - a misconfigured or attacker-influenced path must never
// cause deletion outside the sandbox.
func (s *Stager) safeRemoveDir(dir string) {
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		log.Debug("Nothing to remove", zap.String("dir", dir))
		return
	}

	absDir, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		log.Warn("safeRemoveDir(): cannot resolve the directory path", zap.String("dir", dir), zap.Error(err))
		return
	}
	absRoot, err := filepath.Abs(s.stagingRoot)
	if err != nil {
		log.Warn("safeRemoveDir(): cannot resolve the staging root", zap.String("root", s.stagingRoot), zap.Error(err))
		return
	}
	if !isStrictDescendant(absRoot, absDir) {
		log.Error("SAFETY PREVENTED DELETE: refusing to remove a directory outside the staging area",
			zap.String("dir", absDir), zap.String("stagingRoot", absRoot))
		return
	}

	if err := os.RemoveAll(absDir); err != nil {
		log.Warn("Could not remove the extraction directory", zap.String("dir", absDir), zap.Error(err))
	} else {
		log.Debug("Removed the extraction directory", zap.String("dir", absDir))
	}
}

// isStrictDescendant reports whether child is inside parent (and not parent itself).
func isStrictDescendant(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
