package deploy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/Dzakiart19/hostingtele/internal/domain"
)

const (
	manifestPython = "requirements.txt"
	manifestNode   = "package.json"
	macOSMetadata  = "__MACOSX"
)

// Limits bounds what an uploaded archive may contain.
type Limits struct {
	MaxArchiveBytes   int64
	MaxExtractedBytes int64
	MaxEntries        int
}

// layout is what inspection learned about an archive.
type layout struct {
	Runtime domain.RuntimeKind
	// Prefix is the single wrapping directory ("name/") stripped on extraction.
	Prefix string
	Files  int
	Bytes  uint64
}

var errArchiveTooLarge = errors.New("archive expands beyond the configured limit")

// inspectArchive checks an upload without touching the filesystem.
func inspectArchive(data []byte, limits Limits) (layout, error) {
	if len(data) == 0 {
		return layout{}, invalid(RuleArchiveSize, "archive is empty")
	}
	if limits.MaxArchiveBytes > 0 && int64(len(data)) > limits.MaxArchiveBytes {
		return layout{}, invalid(RuleArchiveSize, "archive exceeds %d bytes", limits.MaxArchiveBytes)
	}
	reader, err := openArchive(data)
	if err != nil {
		return layout{}, invalid(RuleArchiveFormat, "file is not a valid zip archive")
	}
	if limits.MaxEntries > 0 && len(reader.File) > limits.MaxEntries {
		return layout{}, invalid(RuleArchiveExpandedSize, "archive has %d entries, limit is %d", len(reader.File), limits.MaxEntries)
	}

	var (
		info     layout
		names    []string
		topLevel = map[string]bool{}
		rootFile bool
	)
	for _, f := range reader.File {
		name, err := entryPath(f.Name)
		if err != nil {
			return layout{}, invalid(RuleArchiveEntry, "%v", err)
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return layout{}, invalid(RuleArchiveEntry, "symlink entry %q is not allowed", f.Name)
		}
		if name == "" || skipEntry(name) {
			continue
		}
		info.Bytes += f.UncompressedSize64
		if limits.MaxExtractedBytes > 0 && info.Bytes > uint64(limits.MaxExtractedBytes) {
			return layout{}, invalid(RuleArchiveExpandedSize, "archive expands beyond %d bytes", limits.MaxExtractedBytes)
		}
		first, _, nested := strings.Cut(name, "/")
		topLevel[first] = true
		if !nested && !f.FileInfo().IsDir() {
			rootFile = true
		}
		if !f.FileInfo().IsDir() {
			info.Files++
			names = append(names, name)
		}
	}
	if info.Files == 0 {
		return layout{}, invalid(RuleArchiveManifest, "archive contains no files")
	}
	if len(topLevel) == 1 && !rootFile {
		for dir := range topLevel {
			info.Prefix = dir + "/"
		}
	}

	var hasPython, hasNode bool
	for _, name := range names {
		rel := strings.TrimPrefix(name, info.Prefix)
		switch rel {
		case manifestPython:
			hasPython = true
		case manifestNode:
			hasNode = true
		}
	}
	switch {
	case hasPython && hasNode:
		return layout{}, invalid(RuleArchiveManifest, "archive contains both %s and %s", manifestPython, manifestNode)
	case hasPython:
		info.Runtime = domain.RuntimePython
	case hasNode:
		info.Runtime = domain.RuntimeNode
	default:
		return layout{}, invalid(RuleArchiveManifest, "archive root must contain %s or %s", manifestPython, manifestNode)
	}
	return info, nil
}

// extractArchive unpacks data into dest, stripping the wrapping directory found
// by inspection. Entry checks are repeated since the stored archive is read
// back from storage.
func extractArchive(data []byte, dest string, limits Limits) (layout, error) {
	info, err := inspectArchive(data, limits)
	if err != nil {
		return layout{}, err
	}
	reader, err := openArchive(data)
	if err != nil {
		return layout{}, fmt.Errorf("open archive: %w", err)
	}
	// A zero limit means unlimited, so the remaining budget alone cannot tell
	// an exhausted limit apart from no limit.
	limited := limits.MaxExtractedBytes > 0
	remaining := limits.MaxExtractedBytes
	for _, f := range reader.File {
		name, err := entryPath(f.Name)
		if err != nil {
			return layout{}, err
		}
		if name == "" || skipEntry(name) {
			continue
		}
		rel := strings.TrimPrefix(name, info.Prefix)
		if rel == "" || rel == strings.TrimSuffix(info.Prefix, "/") {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !within(dest, target) {
			return layout{}, fmt.Errorf("entry %q escapes the archive root", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return layout{}, fmt.Errorf("create directory: %w", err)
			}
			continue
		}
		written, err := writeEntry(f, target, limited, remaining)
		if err != nil {
			return layout{}, err
		}
		if limited {
			remaining -= written
		}
	}
	return info, nil
}

// openArchive tolerates insecure-path errors, which come with a usable reader;
// entry names are checked by the callers.
func openArchive(data []byte) (*zip.Reader, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if reader == nil {
		return nil, err
	}
	return reader, nil
}

func writeEntry(f *zip.File, target string, limited bool, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}
	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %q: %w", f.Name, err)
	}
	defer src.Close()
	mode := os.FileMode(0o644)
	if f.Mode()&0o111 != 0 {
		mode = 0o755
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer dst.Close()
	var r io.Reader = src
	if limited {
		r = io.LimitReader(src, remaining+1)
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		return n, fmt.Errorf("extract %q: %w", f.Name, err)
	}
	if limited && n > remaining {
		return n, errArchiveTooLarge
	}
	return n, nil
}

// entryPath normalizes an entry name to a slash separated relative path and
// rejects anything that would land outside the extraction root.
func entryPath(name string) (string, error) {
	normalized := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(normalized, "/") {
		return "", fmt.Errorf("absolute entry path %q is not allowed", name)
	}
	if len(normalized) >= 2 && normalized[1] == ':' {
		return "", fmt.Errorf("drive-qualified entry path %q is not allowed", name)
	}
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", fmt.Errorf("entry %q escapes the archive root", name)
		}
	}
	cleaned := path.Clean(normalized)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

func skipEntry(name string) bool {
	first, _, _ := strings.Cut(name, "/")
	return first == macOSMetadata || path.Base(name) == ".DS_Store"
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
