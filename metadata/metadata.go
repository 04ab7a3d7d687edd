// Package metadata defines the narrow contract through which the pipeline
// obtains a description and a catalog format for an extracted file. Content
// parsing is deliberately out of scope; the default provider works from the
// filename alone. A richer provider (content inspection, language detection)
// can be plugged in without touching the pipeline.
package metadata

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Description is what the catalog needs to know about one resource file.
type Description struct {
	// Description human-readable text attached to the resource
	Description string
	// Format the catalog format label, e.g. "PDF" or "CSV"
	Format string
}

// Provider derives descriptive metadata for one extracted file.
type Provider interface {
	// Describe produces the resource description for the file at localPath.
	// relPath is the file's path relative to the archive root and archiveName
	// is the display name of the archive it came from.
	Describe(localPath, relPath, archiveName string) Description
}

// formatByExtension maps common filename extensions onto catalog format labels.
var formatByExtension = map[string]string{
	"pdf":     "PDF",
	"doc":     "DOC",
	"docx":    "DOCX",
	"xls":     "XLS",
	"xlsx":    "XLSX",
	"ppt":     "PPT",
	"pptx":    "PPTX",
	"txt":     "TXT",
	"csv":     "CSV",
	"xml":     "XML",
	"html":    "HTML",
	"json":    "JSON",
	"geojson": "GEOJSON",
	"gpkg":    "GPKG",
	"jpg":     "JPEG",
	"jpeg":    "JPEG",
	"png":     "PNG",
	"gif":     "GIF",
	"tiff":    "TIFF",
	"zip":     "ZIP",
}

// ExtensionProvider is the default Provider: format from the filename
// extension, description from a fixed template. It never reads file content.
type ExtensionProvider struct {
	// Now is from where the provider takes the processing timestamp; it exists for tests.
	Now func() time.Time
}

// NewExtensionProvider returns the default filename-based provider.
func NewExtensionProvider() *ExtensionProvider {
	return &ExtensionProvider{Now: time.Now}
}

func (p *ExtensionProvider) Describe(localPath, relPath, archiveName string) Description {
	return Description{
		Description: fmt.Sprintf("File '%s' from archive '%s', processed on %s.",
			relPath, archiveName, p.Now().UTC().Format("2006-01-02 15:04:05")+" UTC"),
		Format: FormatFor(filepath.Base(localPath)),
	}
}

// FormatFor derives the catalog format label from a file name.
// Unknown extensions pass through lowercased; a file without an extension gets "data".
func FormatFor(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return "data"
	}
	if format, ok := formatByExtension[ext]; ok {
		return format
	}
	return ext
}
