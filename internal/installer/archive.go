package installer

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

func extractArchive(ctx context.Context, archivePath, destDir string) error {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(ctx, archivePath, destDir)
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(ctx, archivePath, destDir)
	default:
		// Downloads land in temp files without an extension, so sniff the
		// magic bytes.
		switch detectArchiveFormat(archivePath) {
		case "zip":
			return extractZip(ctx, archivePath, destDir)
		case "gzip":
			return extractTarGz(ctx, archivePath, destDir)
		default:
			if err := extractZip(ctx, archivePath, destDir); err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return fmt.Errorf("extraction cancelled: %w", ctx.Err())
			}
			entries, _ := os.ReadDir(destDir)
			for _, e := range entries {
				os.RemoveAll(filepath.Join(destDir, e.Name()))
			}
			return extractTarGz(ctx, archivePath, destDir)
		}
	}
}

// detectArchiveFormat identifies "zip" or "gzip" from leading magic bytes.
func detectArchiveFormat(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	header := make([]byte, 4)
	n, err := f.Read(header)
	if err != nil || n < 2 {
		return ""
	}
	if header[0] == 0x50 && header[1] == 0x4B {
		return "zip"
	}
	if header[0] == 0x1F && header[1] == 0x8B {
		return "gzip"
	}
	return ""
}

func extractZip(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	count := 0
	var totalSize int64

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}
		count++
		if count > maxFileCount {
			return fmt.Errorf("archive contains too many files (max %d)", maxFileCount)
		}
		if f.FileInfo().Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("archive contains symlink (not allowed): %s", f.Name)
		}

		target := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("invalid path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if mkErr := os.MkdirAll(target, 0o755); mkErr != nil {
				return fmt.Errorf("create directory %s: %w", f.Name, mkErr)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		outFile, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode()&0o777|0o600)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}
		written, copyErr := io.Copy(outFile, io.LimitReader(rc, maxArchiveSize+1))
		rc.Close()
		closeErr := outFile.Close()
		if copyErr != nil {
			return copyErr
		}
		if closeErr != nil {
			return fmt.Errorf("close extracted file %s: %w", f.Name, closeErr)
		}
		if written > maxArchiveSize {
			return fmt.Errorf("file %s exceeds maximum size (%d bytes)", f.Name, maxArchiveSize)
		}
		totalSize += written
		if totalSize > maxTotalExtractSize {
			return fmt.Errorf("archive exceeds total extraction limit (%d bytes)", maxTotalExtractSize)
		}
	}
	return nil
}

func extractTarGz(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	count := 0
	var totalSize int64

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		count++
		if count > maxFileCount {
			return fmt.Errorf("archive contains too many files (max %d)", maxFileCount)
		}
		if header.Typeflag == tar.TypeSymlink || header.Typeflag == tar.TypeLink {
			return fmt.Errorf("archive contains link entry (not allowed): %s", header.Name)
		}

		target := filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("invalid path in archive: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if mkErr := os.MkdirAll(target, 0o755); mkErr != nil {
				return fmt.Errorf("create directory %s: %w", header.Name, mkErr)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			outFile, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(header.Mode)&0o777|0o600)
			if err != nil {
				return err
			}
			written, copyErr := io.Copy(outFile, io.LimitReader(tr, maxArchiveSize+1))
			closeErr := outFile.Close()
			if copyErr != nil {
				return copyErr
			}
			if closeErr != nil {
				return fmt.Errorf("close extracted file %s: %w", header.Name, closeErr)
			}
			if written > maxArchiveSize {
				return fmt.Errorf("file %s exceeds maximum size (%d bytes)", header.Name, maxArchiveSize)
			}
			totalSize += written
			if totalSize > maxTotalExtractSize {
				return fmt.Errorf("archive exceeds total extraction limit (%d bytes)", maxTotalExtractSize)
			}
		}
	}
	return nil
}

// copyDir copies a tree of regular files. Symlinks are skipped so an install
// source cannot reach outside its own tree.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		srcFile, err := os.Open(path)
		if err != nil {
			return err
		}
		defer srcFile.Close()

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		dstFile, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode()&0o777|0o600)
		if err != nil {
			return err
		}
		_, err = io.Copy(dstFile, srcFile)
		if closeErr := dstFile.Close(); err == nil {
			err = closeErr
		}
		return err
	})
}
