package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInconsistent is returned when the class list cannot back a catalog.
var ErrInconsistent = errors.New("label catalog inconsistent")

// classSeparator splits the crop prefix from the disease token in a raw class id,
// e.g. "Apple___Apple_scab".
const classSeparator = "___"

// LabelRecord is the semantic view of one class the model can emit.
type LabelRecord struct {
	Index       int    `json:"index"`
	RawClassID  string `json:"raw_class_id"`
	Crop        Crop   `json:"crop"`
	DiseaseName string `json:"disease_name"`
	IsHealthy   bool   `json:"is_healthy"`
}

// Catalog maps raw model class indices to label records. It is built once at
// startup and only read afterwards.
type Catalog struct {
	records []LabelRecord
	byID    map[string]int
	crops   []Crop
}

// New builds a catalog from the model's class list, in output index order.
func New(classes []string) (*Catalog, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: empty class list", ErrInconsistent)
	}

	c := &Catalog{
		records: make([]LabelRecord, 0, len(classes)),
		byID:    make(map[string]int, len(classes)),
	}
	seenCrops := make(map[Crop]bool)

	for i, raw := range classes {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil, fmt.Errorf("%w: empty class id at index %d", ErrInconsistent, i)
		}
		if prev, ok := c.byID[raw]; ok {
			return nil, fmt.Errorf("%w: duplicate class id %q at indices %d and %d", ErrInconsistent, raw, prev, i)
		}

		rec := parseRecord(i, raw)
		c.records = append(c.records, rec)
		c.byID[raw] = i

		if !seenCrops[rec.Crop] {
			seenCrops[rec.Crop] = true
			c.crops = append(c.crops, rec.Crop)
		}
	}

	return c, nil
}

func parseRecord(index int, raw string) LabelRecord {
	prefix, disease, found := strings.Cut(raw, classSeparator)
	if !found {
		disease = raw
		prefix = ""
	}

	return LabelRecord{
		Index:       index,
		RawClassID:  raw,
		Crop:        ParseCrop(prefix),
		DiseaseName: disease,
		IsHealthy:   strings.EqualFold(strings.Trim(disease, "_ "), "healthy"),
	}
}

// Resolve returns the record for a model output index.
func (c *Catalog) Resolve(index int) (LabelRecord, error) {
	if index < 0 || index >= len(c.records) {
		return LabelRecord{}, fmt.Errorf("%w: class index %d outside [0,%d)", ErrInconsistent, index, len(c.records))
	}
	return c.records[index], nil
}

func (c *Catalog) Lookup(rawID string) (LabelRecord, bool) {
	i, ok := c.byID[rawID]
	if !ok {
		return LabelRecord{}, false
	}
	return c.records[i], true
}

func (c *Catalog) Len() int {
	return len(c.records)
}

func (c *Catalog) Classes() []string {
	out := make([]string, len(c.records))
	for i, rec := range c.records {
		out[i] = rec.RawClassID
	}
	return out
}

// SupportedCrops returns the distinct crops in catalog order.
func (c *Catalog) SupportedCrops() []Crop {
	out := make([]Crop, len(c.crops))
	copy(out, c.crops)
	return out
}
