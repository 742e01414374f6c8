// Package fileid derives stable document ids and content hashes for dataset files.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kizami/internal/models"
)

// DocumentID returns the id of the file at relPath inside dataset. The path is cleaned and
// slash-separated first, so the same file gets the same id on every host.
func DocumentID(dataset, relPath string) string {
	hash := sha256.Sum256([]byte(CleanRelPath(relPath)))
	return dataset + ":" + hex.EncodeToString(hash[:])
}

// CleanRelPath normalizes a dataset-relative path.
func CleanRelPath(relPath string) string {
	p := filepath.ToSlash(filepath.Clean(relPath))
	return strings.TrimPrefix(p, "./")
}

// Dataset returns the dataset part of a document id, or "" when id has none.
func Dataset(documentID string) string {
	i := strings.LastIndex(documentID, ":")
	if i < 0 {
		return ""
	}
	return documentID[:i]
}

// FileHash returns the hex sha256 of the file contents and its size.
func FileHash(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Describe builds the source file record for absPath under the dataset root.
func Describe(dataset, root, absPath string) (models.SourceFile, error) {
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return models.SourceFile{}, fmt.Errorf("relative path of %s: %w", absPath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return models.SourceFile{}, fmt.Errorf("%s is outside dataset root %s", absPath, root)
	}
	hash, size, err := FileHash(absPath)
	if err != nil {
		return models.SourceFile{}, err
	}
	rel = CleanRelPath(rel)
	return models.SourceFile{
		DocumentID:   DocumentID(dataset, rel),
		DatasetName:  dataset,
		RelativePath: rel,
		AbsolutePath: absPath,
		FileHash:     hash,
		SizeBytes:    size,
	}, nil
}
