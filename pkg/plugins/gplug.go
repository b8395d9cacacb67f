package plugins

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// GplugExt is the packaged plugin archive extension.
const GplugExt = ".gplug"

// ErrIntegrity is returned when an archive's manifest hash does not
// match its integrity block, or the block is missing.
var ErrIntegrity = errors.New("plugin integrity verification failed")

// maxExtractBytes caps decompressed archive size to keep a hostile
// archive from filling the disk.
const maxExtractBytes = 256 << 20

// archiveExcluded reports whether a path inside a plugin directory is
// skipped when packing.
func archiveExcluded(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		switch part {
		case "__pycache__", ".venv", ".git":
			return true
		}
	}
	if strings.HasSuffix(rel, ".pyc") || strings.HasSuffix(rel, GplugExt) {
		return true
	}
	return false
}

// ComputeManifestHash hashes the canonical form of a manifest: the JSON
// document without its integrity block, keys sorted, no insignificant
// whitespace. The same bytes hash identically on pack and on install.
func ComputeManifestHash(manifestJSON []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(manifestJSON, &doc); err != nil {
		return "", fmt.Errorf("invalid manifest JSON: %w", err)
	}
	delete(doc, "integrity")

	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Pack signs the plugin's manifest and writes a .gplug archive to
// outPath. The archived manifest.json carries the integrity block; the
// on-disk source manifest is left untouched.
func Pack(pluginDir, outPath string) error {
	raw, err := os.ReadFile(filepath.Join(pluginDir, ManifestFile))
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if _, err := ParseManifest(raw); err != nil {
		return err
	}

	hash, err := ComputeManifestHash(raw)
	if err != nil {
		return err
	}

	// The archive carries the author's manifest document plus the
	// integrity block, nothing else: a struct round-trip would inject
	// defaults and drop empty fields, and the hash would no longer
	// match on install.
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid manifest JSON: %w", err)
	}
	doc["integrity"] = map[string]any{
		"sha256":    hash,
		"signed_at": time.Now().UTC().Format(time.RFC3339),
	}

	signed, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal signed manifest: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(ManifestFile)
	if err != nil {
		return fmt.Errorf("failed to add manifest to archive: %w", err)
	}
	if _, err := w.Write(signed); err != nil {
		return fmt.Errorf("failed to write manifest to archive: %w", err)
	}

	err = filepath.WalkDir(pluginDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(pluginDir, path)
		if err != nil {
			return err
		}
		if rel == ManifestFile || archiveExcluded(rel) {
			return nil
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("failed to archive plugin files: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalise archive: %w", err)
	}
	return nil
}

// Install extracts a .gplug archive into destRoot/<plugin id> after
// verifying its integrity block. Extraction happens in a temp directory
// next to destRoot; only a verified tree is moved into place, replacing
// any previous install of the same plugin atomically.
func Install(archivePath, destRoot string) (*Manifest, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	raw, err := readArchiveFile(&zr.Reader, ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("archive has no readable manifest: %w", err)
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}
	if m.Integrity == nil || m.Integrity.SHA256 == "" {
		return nil, fmt.Errorf("%w: manifest is unsigned", ErrIntegrity)
	}
	hash, err := ComputeManifestHash(raw)
	if err != nil {
		return nil, err
	}
	if hash != m.Integrity.SHA256 {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrIntegrity, m.Integrity.SHA256, hash)
	}

	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plugin root: %w", err)
	}
	tmp, err := os.MkdirTemp(destRoot, ".install-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extractAll(&zr.Reader, tmp); err != nil {
		return nil, err
	}

	dest := filepath.Join(destRoot, m.ID)
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("failed to remove previous install: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, fmt.Errorf("failed to move plugin into place: %w", err)
	}
	return m, nil
}

func readArchiveFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(io.LimitReader(rc, maxExtractBytes))
		}
	}
	return nil, fs.ErrNotExist
}

// extractAll writes every archive entry under dest, rejecting entries
// that would escape it.
func extractAll(zr *zip.Reader, dest string) error {
	var total int64
	for _, f := range zr.File {
		name := filepath.Clean(filepath.FromSlash(f.Name))
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry escapes destination: %q", f.Name)
		}
		target := filepath.Join(dest, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", name, err)
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry %s: %w", name, err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
		if err != nil {
			rc.Close()
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
		n, err := io.Copy(out, io.LimitReader(rc, maxExtractBytes-total))
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", name, err)
		}
		total += n
		if total >= maxExtractBytes {
			return fmt.Errorf("archive exceeds extraction size limit")
		}
	}
	return nil
}
