package storage

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// DatasetSource says where the training images come from. Exactly one
// field is expected to be set; Dir wins over Remote which wins over Archive.
type DatasetSource struct {
	Archive string // local zip
	Remote  string // zip name in the store
	Dir     string // already extracted directory, used as is
}

// PrepareDataset makes the training data available as a directory under scratchDir
func PrepareDataset(ctx context.Context, src DatasetSource, scratchDir string, store Store, logger *log.Logger) (string, error) {
	if src.Dir != "" {
		info, err := os.Stat(src.Dir)
		if err != nil {
			return "", fmt.Errorf("training directory: %w", err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("training directory %s is not a directory", src.Dir)
		}
		return src.Dir, nil
	}

	archive := src.Archive
	if src.Remote != "" {
		if store == nil {
			return "", fmt.Errorf("remote dataset %s requested without a store", src.Remote)
		}
		archive = filepath.Join(scratchDir, filepath.Base(src.Remote))
		logger.Printf("Downloading training data %s", store.URI(src.Remote))
		if err := store.Download(ctx, src.Remote, archive); err != nil {
			return "", fmt.Errorf("failed to download training data: %w", err)
		}
	}
	if archive == "" {
		return "", fmt.Errorf("no training data given")
	}

	dest := filepath.Join(scratchDir, "train_data")
	n, err := ExtractArchive(archive, dest)
	if err != nil {
		return "", err
	}
	logger.Printf("Extracted %d files from %s", n, archive)
	return dest, nil
}

// ExtractArchive unpacks a zip into destDir and returns the number of files written.
// Entries escaping destDir are rejected.
func ExtractArchive(archivePath, destDir string) (int, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, err
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, f := range r.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return count, fmt.Errorf("archive entry %q escapes the destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return count, err
		}
		if err := extractFile(f, target); err != nil {
			return count, fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		count++
	}
	return count, nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
