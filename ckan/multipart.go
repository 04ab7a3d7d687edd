package ckan

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// newUploadBody builds a streaming multipart/form-data body with the given
// text fields followed by one file part. The file is never read into memory:
// the writing side runs in a goroutine feeding a pipe the HTTP client reads
// from. The returned reader must be closed by the caller (a failed request
// build, for example); a completed request closes it through the transport.
func newUploadBody(fields map[string]string, fileField, filePath string) (io.ReadCloser, string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, "", fmt.Errorf("newUploadBody(): cannot open '%s': %w", filePath, err)
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	if err := writer.SetBoundary("Boundary-" + uuid.NewString()); err != nil {
		_ = file.Close()
		return nil, "", fmt.Errorf("newUploadBody(): %w", err)
	}

	// sorted field order keeps the body deterministic for a given request
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	go func() {
		defer func() {
			if err := file.Close(); err != nil {
				log.Error("Failed to close the upload file", zap.String("path", filePath), zap.Error(err))
			}
		}()
		for _, key := range keys {
			if err := writeTextPart(writer, key, fields[key]); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		if err := writeFilePart(writer, fileField, filePath, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := writer.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		_ = pw.Close()
	}()

	return pr, writer.FormDataContentType(), nil
}

// writeTextPart emits one form field with an explicit text/plain content type.
func writeTextPart(writer *multipart.Writer, name, value string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, escapeQuotes(name)))
	header.Set("Content-Type", "text/plain; charset=UTF-8")
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("writeTextPart(): %w", err)
	}
	if _, err := io.WriteString(part, value); err != nil {
		return fmt.Errorf("writeTextPart(): %w", err)
	}
	return nil
}

// writeFilePart streams the file contents as the named form field, with a
// content type guessed from the file extension.
func writeFilePart(writer *multipart.Writer, name, filePath string, file io.Reader) error {
	fileName := filepath.Base(filePath)
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(name), escapeQuotes(fileName)))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("writeFilePart(): %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("writeFilePart(): streaming '%s': %w", filePath, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
