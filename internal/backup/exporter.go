// Package backup writes JSON snapshots of every collection to disk for the
// file-backup bridge.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"caresync/internal/domain"
	strutil "caresync/pkg/platform/strings"
)

// ErrDisabled is returned when the file-backup bridge is switched off.
var ErrDisabled = errors.New("file backup disabled")

const manifestName = "manifest.json"

// Source is the read side of the persistence facade.
type Source interface {
	GetCollection(ctx context.Context, collection string) ([]domain.Record, error)
}

// Target names where a snapshot goes and who it belongs to.
type Target struct {
	FolderID string
	ClientID string
}

// Manifest describes one snapshot directory.
type Manifest struct {
	ClientID    string          `json:"clientId,omitempty"`
	FolderID    string          `json:"folderId"`
	CreatedAt   time.Time       `json:"createdAt"`
	Dir         string          `json:"dir"`
	Collections []CollectionDoc `json:"collections"`
}

type CollectionDoc struct {
	Name    string `json:"name"`
	File    string `json:"file"`
	Records int    `json:"records"`
	SHA256  string `json:"sha256"`
}

type Exporter struct {
	src         Source
	root        string
	collections []string
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Exporter)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// WithCollections limits the snapshot to the given collections. Blank and
// repeated names are dropped.
func WithCollections(names ...string) Option {
	return func(e *Exporter) {
		e.collections = strutil.DedupeAndTrim(names)
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		e.now = now
	}
}

func New(src Source, root string, opts ...Option) *Exporter {
	e := &Exporter{
		src:         src,
		root:        root,
		collections: domain.KnownCollections,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export writes {root}/{folderId}/{timestamp}/{collection}.json for each
// collection plus a manifest. Files are renamed into place, so a snapshot
// directory never holds a partial collection file.
func (e *Exporter) Export(ctx context.Context, target Target) (Manifest, error) {
	folder := target.FolderID
	if folder == "" {
		folder = "default"
	}
	if strings.ContainsAny(folder, `/\`) || folder == "." || folder == ".." {
		return Manifest{}, fmt.Errorf("invalid backup folder %q", folder)
	}

	created := e.now().UTC()
	dir := filepath.Join(e.root, folder, created.Format("20060102T150405.000Z"))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Manifest{}, fmt.Errorf("create backup dir: %w", err)
	}

	m := Manifest{
		ClientID:  target.ClientID,
		FolderID:  folder,
		CreatedAt: created,
		Dir:       dir,
	}
	for _, name := range e.collections {
		records, err := e.src.GetCollection(ctx, name)
		if err != nil {
			return Manifest{}, fmt.Errorf("backup %s: %w", name, err)
		}
		doc, err := writeJSON(dir, name+".json", records)
		if err != nil {
			return Manifest{}, fmt.Errorf("backup %s: %w", name, err)
		}
		doc.Name = name
		doc.Records = len(records)
		m.Collections = append(m.Collections, doc)
	}
	if _, err := writeJSON(dir, manifestName, m); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}

	e.logger.InfoContext(ctx, "backup written",
		"dir", dir,
		"collections", len(m.Collections),
	)
	return m, nil
}

// ReadManifest loads the manifest of a snapshot directory.
func ReadManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

func writeJSON(dir, name string, v any) (CollectionDoc, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return CollectionDoc{}, err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return CollectionDoc{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return CollectionDoc{}, err
	}
	if err := tmp.Close(); err != nil {
		return CollectionDoc{}, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return CollectionDoc{}, err
	}
	sum := sha256.Sum256(raw)
	return CollectionDoc{File: name, SHA256: hex.EncodeToString(sum[:])}, nil
}
