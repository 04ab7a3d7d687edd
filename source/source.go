package source

import (
	"ckanloader/utils"
)

// log a convenience wrapper to shorten code lines
var log = &utils.Logger

// FileInfo represents an input archive to be processed - may be a temporary download
type FileInfo struct {
	// RelativePath specifies the archive path relative to the Source root.
	// Used for addressing the archive in the remote data source and in reports.
	RelativePath string
	// LocalPath an absolute path of a local file (downloaded from a remote data source if needed)
	LocalPath string
	// Size the file size in bytes
	Size int64
	// Temp indicates that the file is temporary and must be removed by this program
	// when it is not needed anymore (downloaded from S3)
	Temp bool
}

// Source abstracts where input archives come from - a local directory or an S3 bucket.
type Source interface {

	// ListArchives returns the relative paths of all eligible input archives,
	// sorted lexicographically. Eligible means a readable regular file whose
	// name ends with the archive extension (case-insensitive). Unreadable
	// entries are skipped with a warning, they never fail the listing.
	ListArchives() ([]string, error)

	// Fetch returns a file structure matching the provided relative path.
	// The returned structure points to a local file (with an absolute path),
	// where the file may be downloaded from a remote storage and kept
	// temporarily for the duration of the program execution only.
	Fetch(relativePath string) (FileInfo, error)

	// MoveToProcessed moves the original archive out of the source into the
	// configured processed location, never overwriting an existing file of the
	// same name. It returns the final destination for logging purposes.
	MoveToProcessed(relativePath string) (string, error)

	// Dispose must be called for every fetched file when it is not needed anymore.
	// It makes sure temporary downloads are removed and do not use disk space.
	// If the file is not a temporary file, this method does nothing.
	Dispose(file FileInfo)
}
