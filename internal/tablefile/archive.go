package tablefile

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

// ManifestName is the archive entry describing its contents.
const ManifestName = "manifest" + Ext

// Archive size limits guard extraction against zip bombs.
const (
	MaxEntryBytes   = 1 << 30
	MaxTotalBytes   = 8 << 30
	MaxEntries      = 200000
	maxManifestSize = 1 << 20
)

// Manifest describes an archive. Archives written before manifests existed
// have none; their kind is inferred from their tables.
type Manifest struct {
	FormatVersion int            `yaml:"format_version"`
	Kind          model.Kind     `yaml:"kind"`
	Mode          model.Mode     `yaml:"mode"`
	Source        string         `yaml:"source"`
	Name          string         `yaml:"name,omitempty"`
	ExportedAt    time.Time      `yaml:"exported_at"`
	Tables        map[string]int `yaml:"tables"`
}

// RowCount returns the total rows recorded across tables.
func (m *Manifest) RowCount() int {
	n := 0
	for _, c := range m.Tables {
		n += c
	}
	return n
}

// WriteManifest writes m into dir.
func WriteManifest(dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// ReadManifest reads the manifest in dir. It returns nil, nil when the
// archive has none.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.UnreadableTable(ManifestName, err)
	}
	if info.Size() > maxManifestSize {
		return nil, errs.UnreadableTable(ManifestName, fmt.Errorf("manifest is %d bytes", info.Size()))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.UnreadableTable(ManifestName, err)
	}

	var doc yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, errs.UnreadableTable(ManifestName, err)
	}
	if len(doc.Content) != 1 {
		return nil, errs.UnreadableTable(ManifestName, fmt.Errorf("expected a single document"))
	}
	if err := checkNode(ManifestName, doc.Content[0]); err != nil {
		return nil, err
	}
	var m Manifest
	if err := doc.Content[0].Decode(&m); err != nil {
		return nil, errs.UnreadableTable(ManifestName, err)
	}
	if m.Kind != "" {
		if err := model.ValidateKind(m.Kind); err != nil {
			return nil, errs.InvalidArchive(err.Error(), nil)
		}
	}
	return &m, nil
}

// Pack zips every file under dir into archivePath, entries in sorted order.
func Pack(dir, archivePath string) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", dir, err)
	}
	sort.Strings(files)

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() { _ = out.Close() }()

	zw := zip.NewWriter(out)
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if err := addZipFile(zw, path, filepath.ToSlash(rel)); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return out.Close()
}

func addZipFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// safeJoin resolves an archive entry name under dir, rejecting names that
// would escape it.
func safeJoin(dir, name string) (string, error) {
	if name == "" || strings.Contains(name, `\`) || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("unsafe entry name %q", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe entry name %q", name)
	}
	return filepath.Join(dir, clean), nil
}

// Unpack extracts archivePath into dir. Any entry that escapes dir, any
// non-regular entry, or an archive over the size limits is rejected as an
// invalid archive.
func Unpack(archivePath, dir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return errs.InvalidArchive("not a zip archive", err)
	}
	defer func() { _ = r.Close() }()

	if len(r.File) > MaxEntries {
		return errs.InvalidArchive(fmt.Sprintf("archive has %d entries", len(r.File)), nil)
	}

	var total int64
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !f.Mode().IsRegular() {
			return errs.InvalidArchive(fmt.Sprintf("entry %s is not a regular file", f.Name), nil)
		}
		dest, err := safeJoin(dir, f.Name)
		if err != nil {
			return errs.InvalidArchive(err.Error(), nil)
		}
		n, err := extract(f, dest)
		if err != nil {
			return errs.InvalidArchive(fmt.Sprintf("entry %s could not be extracted", f.Name), err)
		}
		total += n
		if total > MaxTotalBytes {
			return errs.InvalidArchive("archive exceeds the extraction size limit", nil)
		}
	}
	return nil
}

func extract(f *zip.File, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Close() }()

	// Read one byte past the limit to detect oversized entries.
	n, err := io.Copy(out, io.LimitReader(rc, MaxEntryBytes+1))
	if err != nil {
		return n, err
	}
	if n > MaxEntryBytes {
		return n, fmt.Errorf("entry exceeds %d bytes", int64(MaxEntryBytes))
	}
	return n, out.Close()
}
