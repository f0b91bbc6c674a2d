// Package inspector audits the on-disk document tree against the inventory
// and the completion cache.
package inspector

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/brensch/edgarsync/internal/analyser"
	"github.com/brensch/edgarsync/internal/inventory"
)

// Document is one filing found on disk.
type Document struct {
	EntityID  string // directory name, zero padded
	Accession string
	SubID     string
	Path      string
	Size      int64
	ModTime   time.Time
}

// Key returns the composite key of the document.
func (d Document) Key() string {
	return d.EntityID + "_" + d.Accession
}

// parseName splits "{accession}[_{sub}]" into its parts.
func parseName(name string) (accession, subID string) {
	accession, subID, _ = strings.Cut(name, "_")
	return accession, subID
}

// ScanDocuments lists every {root}/{entity}/{name}.{ext} file. Temporary
// files left by interrupted writes are ignored. A missing root yields no
// documents.
func ScanDocuments(root, ext string) ([]Document, error) {
	suffix := "." + strings.TrimPrefix(ext, ".")
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read document root %s: %w", root, err)
	}

	var docs []Document
	for _, entityDir := range entries {
		if !entityDir.IsDir() {
			continue
		}
		dir := filepath.Join(root, entityDir.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return docs, fmt.Errorf("read entity dir %s: %w", dir, err)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, suffix) {
				continue
			}
			info, err := f.Info()
			if err != nil {
				return docs, fmt.Errorf("stat %s: %w", name, err)
			}
			accession, subID := parseName(strings.TrimSuffix(name, suffix))
			docs = append(docs, Document{
				EntityID:  entityDir.Name(),
				Accession: accession,
				SubID:     subID,
				Path:      filepath.Join(dir, name),
				Size:      info.Size(),
				ModTime:   info.ModTime(),
			})
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].EntityID != docs[j].EntityID {
			return docs[i].EntityID < docs[j].EntityID
		}
		return docs[i].Path < docs[j].Path
	})
	return docs, nil
}

// DiskKeys is the set of keys with a document on disk. Lookups pad the
// entity part so unpadded inventory ids match their directories.
type DiskKeys analyser.Set

// Has implements analyser.KeySet.
func (k DiskKeys) Has(key string) bool {
	entity, accession, ok := strings.Cut(key, "_")
	if !ok {
		return false
	}
	_, found := k[inventory.PadEntityID(entity)+"_"+accession]
	return found
}

// DeliveredKeys scans root and returns the keys of documents present.
func DeliveredKeys(root, ext string) (DiskKeys, error) {
	docs, err := ScanDocuments(root, ext)
	if err != nil {
		return nil, err
	}
	return keysOf(docs), nil
}

func keysOf(docs []Document) DiskKeys {
	keys := make(DiskKeys, len(docs))
	for _, d := range docs {
		keys[d.Key()] = struct{}{}
	}
	return keys
}

// Audit compares the document tree with the cache and inventory.
type Audit struct {
	Documents       int
	Bytes           int64
	Entities        int
	CachedNotOnDisk []string // cached keys from the inventory without a document
	OnDiskNotCached []string // documents whose key is not cached
	Duplicates      []string // keys saved under more than one file name
	NotInInventory  []string // documents the inventory does not expect
}

// Clean reports whether the tree and the cache agree.
func (a Audit) Clean() bool {
	return len(a.CachedNotOnDisk) == 0 && len(a.OnDiskNotCached) == 0 && len(a.Duplicates) == 0
}

// AuditTree builds an Audit from scanned documents.
func AuditTree(inv inventory.Inventory, cache analyser.KeySet, docs []Document) Audit {
	a := Audit{Documents: len(docs)}
	onDisk := keysOf(docs)
	seen := make(map[string]int, len(docs))
	entities := make(map[string]struct{})
	for _, d := range docs {
		a.Bytes += d.Size
		entities[d.EntityID] = struct{}{}
		seen[d.Key()]++
	}
	a.Entities = len(entities)

	expected := make(map[string]struct{}, inv.TotalItems())
	for _, e := range inv.Entities {
		for _, item := range e.Items {
			padded := inventory.PadEntityID(item.EntityID) + "_" + item.Accession
			expected[padded] = struct{}{}
			key := item.ItemKey.String()
			if cache.Has(key) && !onDisk.Has(key) {
				a.CachedNotOnDisk = append(a.CachedNotOnDisk, key)
			}
			if onDisk.Has(key) && !cache.Has(key) {
				a.OnDiskNotCached = append(a.OnDiskNotCached, key)
			}
		}
	}
	for key, n := range seen {
		if n > 1 {
			a.Duplicates = append(a.Duplicates, key)
		}
		if _, ok := expected[key]; !ok {
			a.NotInInventory = append(a.NotInInventory, key)
		}
	}
	sort.Strings(a.Duplicates)
	sort.Strings(a.NotInInventory)
	return a
}

// Uncached returns the inventory keys missing from cache, in inventory order.
func Uncached(inv inventory.Inventory, cache analyser.KeySet) []string {
	var out []string
	for _, e := range inv.Entities {
		for _, item := range e.Items {
			if key := item.ItemKey.String(); !cache.Has(key) {
				out = append(out, key)
			}
		}
	}
	return out
}

// Recoverable picks the candidates that can be put back in the cache: the
// document must be on disk and, unless trustDisk is set, the event log must
// confirm the delivery.
func Recoverable(candidates []string, onDisk analyser.KeySet, confirmed map[string]bool, trustDisk bool) []string {
	var out []string
	for _, key := range candidates {
		if !onDisk.Has(key) {
			continue
		}
		if trustDisk || confirmed[key] {
			out = append(out, key)
		}
	}
	return out
}

// Render prints the audit. At most limit keys are listed per category.
func Render(w io.Writer, a Audit, limit int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Document Tree Audit")
	t.AppendHeader(table.Row{"Check", "Count", "Examples"})
	t.AppendRow(table.Row{"Documents", a.Documents, fmt.Sprintf("%d entities, %.1f MiB", a.Entities, float64(a.Bytes)/(1<<20))})
	t.AppendRow(table.Row{"Cached, missing on disk", len(a.CachedNotOnDisk), examples(a.CachedNotOnDisk, limit)})
	t.AppendRow(table.Row{"On disk, not cached", len(a.OnDiskNotCached), examples(a.OnDiskNotCached, limit)})
	t.AppendRow(table.Row{"Duplicate documents", len(a.Duplicates), examples(a.Duplicates, limit)})
	t.AppendRow(table.Row{"Not in inventory", len(a.NotInInventory), examples(a.NotInInventory, limit)})
	t.SetStyle(table.StyleLight)
	t.Render()
}

func examples(keys []string, limit int) string {
	if limit <= 0 || len(keys) <= limit {
		return strings.Join(keys, "\n")
	}
	return strings.Join(keys[:limit], "\n") + fmt.Sprintf("\n... %d more", len(keys)-limit)
}
