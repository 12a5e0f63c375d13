package sku

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// ErrCatalogMissing reports that the SKU table file does not exist. Callers
// treat this as a recoverable condition: lookup by SKU is simply unavailable.
var ErrCatalogMissing = errors.New("sku catalog file missing")

// ErrMissingSKUColumn reports a table without the mandatory sku column.
var ErrMissingSKUColumn = errors.New("sku column missing from catalog header")

// NotFoundError reports that a SKU has no row in the catalog.
type NotFoundError struct {
	SKU string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no catalog entry for sku %q", e.SKU)
}

// NoURLError reports a catalog row whose image URL cell is empty.
type NoURLError struct {
	SKU string
}

func (e *NoURLError) Error() string {
	return fmt.Sprintf("catalog entry for sku %q has no image url", e.SKU)
}

// Record is one resolved catalog row.
type Record struct {
	SKU      string
	ImageURL string

	// BackgroundImageURL is parsed from the table but not consumed by the
	// removal pipeline.
	BackgroundImageURL string
}

// Catalog is the immutable SKU table, loaded once at startup. Safe for
// concurrent reads.
type Catalog struct {
	records []Record
	index   map[string]int
}

// Header columns are matched case-insensitively with surrounding whitespace
// stripped. Each canonical name has one accepted alias; the canonical name
// wins when both are present.
var columnAliases = []struct {
	canonical string
	alias     string
}{
	{"image_url", "bild"},
	{"background_image_url", "hintergrundbild"},
}

// Load reads the semicolon-separated catalog at path. A missing file yields
// ErrCatalogMissing rather than a fatal error.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrCatalogMissing)
		}
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()

	catalog, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return catalog, nil
}

// Parse reads catalog rows from r. The input is UTF-8 with an optional BOM,
// semicolon-separated, first row is the header.
func Parse(r io.Reader) (*Catalog, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrMissingSKUColumn
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := resolveColumns(header)
	skuCol, ok := columns["sku"]
	if !ok {
		return nil, ErrMissingSKUColumn
	}
	imageCol, hasImage := columns["image_url"]
	backgroundCol, hasBackground := columns["background_image_url"]

	catalog := &Catalog{index: make(map[string]int)}
	for {
		row, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read row: %w", err)
		}

		record := Record{SKU: strings.TrimSpace(cell(row, skuCol))}
		if record.SKU == "" {
			continue
		}
		if hasImage {
			record.ImageURL = strings.TrimSpace(cell(row, imageCol))
		}
		if hasBackground {
			record.BackgroundImageURL = strings.TrimSpace(cell(row, backgroundCol))
		}

		// First match wins for duplicate SKUs.
		if _, exists := catalog.index[record.SKU]; exists {
			continue
		}
		catalog.index[record.SKU] = len(catalog.records)
		catalog.records = append(catalog.records, record)
	}

	return catalog, nil
}

// Lookup resolves a SKU by exact, case-sensitive match.
func (c *Catalog) Lookup(sku string) (Record, error) {
	i, ok := c.index[sku]
	if !ok {
		return Record{}, &NotFoundError{SKU: sku}
	}
	record := c.records[i]
	if record.ImageURL == "" {
		return Record{}, &NoURLError{SKU: sku}
	}
	return record, nil
}

// Len reports the number of usable catalog rows.
func (c *Catalog) Len() int {
	return len(c.records)
}

// resolveColumns normalizes header names and applies the alias table once,
// so lookups afterwards work on a fixed column mapping.
func resolveColumns(header []string) map[string]int {
	normalized := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\uFEFF")))
		if name == "" {
			continue
		}
		if _, exists := normalized[name]; !exists {
			normalized[name] = i
		}
	}

	for _, pair := range columnAliases {
		if _, ok := normalized[pair.canonical]; ok {
			continue
		}
		if i, ok := normalized[pair.alias]; ok {
			normalized[pair.canonical] = i
		}
	}
	return normalized
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
