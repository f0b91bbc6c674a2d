// Package inventory holds the expected-filing model produced by discovery and
// reads it from disk. Discovery itself lives elsewhere; this package only
// consumes its per-entity CSV output.
package inventory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInventoryMissing is returned when no expected-inventory source exists.
// It is the only inventory error the orchestrator treats as fatal.
var ErrInventoryMissing = errors.New("expected inventory not found")

// EntityIDWidth is the zero-padded width of entity directory names.
const EntityIDWidth = 10

// ItemKey uniquely identifies one filing.
type ItemKey struct {
	EntityID  string
	Accession string
}

// String returns the composite cache key "entityId_accessionId".
func (k ItemKey) String() string {
	return k.EntityID + "_" + k.Accession
}

// ExpectedItem is one row of the discovered inventory.
type ExpectedItem struct {
	ItemKey
	DisplayName string
	FormType    string
	ReportDate  string
	SourcePath  string
}

// Entity groups the expected items of one reporting entity in file order.
type Entity struct {
	ID    string
	Items []ExpectedItem
}

// Inventory is the full expected corpus, entities in a stable order.
type Inventory struct {
	Entities []Entity
}

// EntityIDs returns entity ids in inventory order.
func (inv Inventory) EntityIDs() []string {
	ids := make([]string, len(inv.Entities))
	for i, e := range inv.Entities {
		ids[i] = e.ID
	}
	return ids
}

// TotalItems returns the number of expected items across all entities.
func (inv Inventory) TotalItems() int {
	n := 0
	for _, e := range inv.Entities {
		n += len(e.Items)
	}
	return n
}

// PadEntityID left-pads a numeric entity id with zeros to EntityIDWidth.
func PadEntityID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) >= EntityIDWidth {
		return id
	}
	return strings.Repeat("0", EntityIDWidth-len(id)) + id
}

// AccessionFromPath extracts the accession from an archive source path such
// as "edgar/data/1234/0000001234-05-000009.txt".
func AccessionFromPath(sourcePath string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(sourcePath), `\`, "/"))
	return strings.TrimSuffix(base, ".txt")
}

// Columns expected in each entity CSV.
var requiredColumns = []string{"cik", "form", "filename"}

// LoadDir reads every *.csv file in dir as one entity. Entities are ordered by
// file name and items keep their row order, which the resume cursor relies on.
// Unreadable individual files are logged and skipped; a missing directory or
// one without CSV files yields ErrInventoryMissing.
func LoadDir(dir string, logger *slog.Logger) (Inventory, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Inventory{}, fmt.Errorf("%w: directory %s does not exist", ErrInventoryMissing, dir)
		}
		return Inventory{}, fmt.Errorf("%w: stat %s: %v", ErrInventoryMissing, dir, err)
	}
	if !info.IsDir() {
		return Inventory{}, fmt.Errorf("%w: %s is not a directory", ErrInventoryMissing, dir)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return Inventory{}, fmt.Errorf("failed glob inventory files in %s: %w", dir, err)
	}
	if len(files) == 0 {
		return Inventory{}, fmt.Errorf("%w: no *.csv files in %s", ErrInventoryMissing, dir)
	}
	sort.Strings(files)
	logger.Info("Found entity inventory files.", slog.Int("count", len(files)), slog.String("dir", dir))

	var inv Inventory
	for _, file := range files {
		entity, err := loadEntityFile(file)
		if err != nil {
			logger.Error("Skipping unreadable inventory file.", slog.String("file", file), "error", err)
			continue
		}
		inv.Entities = append(inv.Entities, entity)
	}
	return inv, nil
}

func loadEntityFile(file string) (Entity, error) {
	f, err := os.Open(file)
	if err != nil {
		return Entity{}, fmt.Errorf("open inventory file: %w", err)
	}
	defer f.Close()

	entityID := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	items, err := ReadCSV(f, entityID)
	if err != nil {
		return Entity{}, fmt.Errorf("read %s: %w", filepath.Base(file), err)
	}
	return Entity{ID: entityID, Items: items}, nil
}

// ReadCSV parses one entity's inventory. The header must include cik, form and
// filename; company_name and rdate are optional. Rows with an empty cik fall
// back to fallbackEntityID.
func ReadCSV(r io.Reader, fallbackEntityID string) ([]ExpectedItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing required column %q", c)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var items []ExpectedItem
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		source := field(rec, "filename")
		if source == "" {
			return nil, fmt.Errorf("line %d: empty filename", line)
		}
		entityID := field(rec, "cik")
		if entityID == "" {
			entityID = fallbackEntityID
		}
		items = append(items, ExpectedItem{
			ItemKey: ItemKey{
				EntityID:  entityID,
				Accession: AccessionFromPath(source),
			},
			DisplayName: field(rec, "company_name"),
			FormType:    field(rec, "form"),
			ReportDate:  field(rec, "rdate"),
			SourcePath:  source,
		})
	}
	return items, nil
}
