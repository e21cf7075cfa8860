package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StringList tolerates reference-data fields that appear as either a single
// string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected string or array of strings: %w", err)
	}
	if s == "" {
		*l = nil
		return nil
	}
	*l = StringList{s}
	return nil
}

func (l StringList) join() string { return strings.Join(l, ", ") }

// Disease is one curated disease record from data.json.
type Disease struct {
	Name       string     `json:"name"`
	Definition string     `json:"definition"`
	Causes     StringList `json:"causes"`
	Symptoms   StringList `json:"symptoms"`
	Diagnosis  string     `json:"diagnosis"`
	Treatment  string     `json:"treatment"`
	Warnings   string     `json:"warnings"`
}

// Drug is one curated drug record from data.json.
type Drug struct {
	Name              string     `json:"name"`
	Uses              string     `json:"uses"`
	Dosage            string     `json:"dosage"`
	SideEffects       StringList `json:"side_effects"`
	Interactions      StringList `json:"interactions"`
	Contraindications StringList `json:"contraindications"`
	Notes             string     `json:"notes"`
}

// CatalogEntry is a loosely-typed row from the benh.json / thuoc.json
// catalogs, kept schemaless so additions to the data files never break the
// listing endpoints.
type CatalogEntry map[string]any

func (e CatalogEntry) name() string {
	s, _ := e["name"].(string)
	return s
}

// ReferenceData reads the curated medical files under a data directory.
// Files are read per call; a missing file is an empty dataset, not an error.
type ReferenceData struct {
	dir string
}

func NewReferenceData(dir string) *ReferenceData {
	return &ReferenceData{dir: dir}
}

type curatedDB struct {
	Diseases []Disease `json:"diseases"`
	Drugs    []Drug    `json:"drugs"`
}

func (r *ReferenceData) loadCurated() (*curatedDB, error) {
	raw, err := os.ReadFile(filepath.Join(r.dir, "data.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &curatedDB{}, nil
		}
		return nil, err
	}
	var db curatedDB
	if err := json.Unmarshal(raw, &db); err != nil {
		return nil, fmt.Errorf("malformed data.json: %w", err)
	}
	return &db, nil
}

func (r *ReferenceData) loadCatalog(file string) []CatalogEntry {
	raw, err := os.ReadFile(filepath.Join(r.dir, file))
	if err != nil {
		return nil
	}
	var entries []CatalogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	return entries
}

// Diseases lists the disease catalog, optionally filtered by a
// case-insensitive name substring.
func (r *ReferenceData) Diseases(q string) []CatalogEntry {
	return filterCatalog(r.loadCatalog("benh.json"), q)
}

// Drugs lists the drug catalog, optionally filtered by a case-insensitive
// name substring.
func (r *ReferenceData) Drugs(q string) []CatalogEntry {
	return filterCatalog(r.loadCatalog("thuoc.json"), q)
}

func filterCatalog(entries []CatalogEntry, q string) []CatalogEntry {
	if entries == nil {
		return []CatalogEntry{}
	}
	if q == "" {
		return entries
	}
	needle := strings.ToLower(strings.TrimSpace(q))
	out := make([]CatalogEntry, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.name()), needle) {
			out = append(out, e)
		}
	}
	return out
}

// FindDisease matches a normalized query against disease names, exact name
// first, then substring.
func (r *ReferenceData) FindDisease(query string) (*Disease, error) {
	db, err := r.loadCurated()
	if err != nil {
		return nil, err
	}
	q := normalizeName(query)
	if q == "" {
		return nil, nil
	}
	for i := range db.Diseases {
		if nameMatches(normalizeName(db.Diseases[i].Name), q) {
			return &db.Diseases[i], nil
		}
	}
	return nil, nil
}

// FindDrug matches against the curated drugs first, then the extended
// thuoc.json catalog whose entries only carry free-text content.
func (r *ReferenceData) FindDrug(query string) (*Drug, error) {
	db, err := r.loadCurated()
	if err != nil {
		return nil, err
	}
	q := normalizeName(query)
	if q == "" {
		return nil, nil
	}
	for i := range db.Drugs {
		if nameMatches(normalizeName(db.Drugs[i].Name), q) {
			return &db.Drugs[i], nil
		}
	}
	for _, e := range r.loadCatalog("thuoc.json") {
		if nameMatches(normalizeName(e.name()), q) {
			content, _ := e["content"].(string)
			return &Drug{Name: e.name(), Notes: content}, nil
		}
	}
	return nil, nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// nameMatches accepts either direction of containment: "sốt xuất huyết"
// matches the query "bệnh sốt xuất huyết" and vice versa.
func nameMatches(name, query string) bool {
	if name == "" || query == "" {
		return false
	}
	return name == query || strings.Contains(name, query) || strings.Contains(query, name)
}

// FormatDisease renders a curated disease record as the fixed-layout answer
// body.
func FormatDisease(d *Disease) string {
	var parts []string
	if d.Definition != "" {
		parts = append(parts, "Định nghĩa: "+d.Definition)
	}
	if len(d.Causes) > 0 {
		parts = append(parts, "Nguyên nhân: "+d.Causes.join())
	}
	if len(d.Symptoms) > 0 {
		parts = append(parts, "Triệu chứng: "+d.Symptoms.join())
	}
	if d.Diagnosis != "" {
		parts = append(parts, "Chẩn đoán: "+d.Diagnosis)
	}
	if d.Treatment != "" {
		parts = append(parts, "Điều trị: "+d.Treatment)
	}
	if d.Warnings != "" {
		parts = append(parts, "Lưu ý: "+d.Warnings)
	}
	return strings.Join(parts, "\n")
}

// FormatDrug renders a curated drug record; catalog-only matches fall back
// to their free-text notes.
func FormatDrug(d *Drug) string {
	if d.Uses == "" && d.Dosage == "" {
		return d.Notes
	}
	var parts []string
	if d.Uses != "" {
		parts = append(parts, "Công dụng: "+d.Uses)
	}
	if d.Dosage != "" {
		parts = append(parts, "Liều dùng: "+d.Dosage)
	}
	if len(d.SideEffects) > 0 {
		parts = append(parts, "Tác dụng phụ: "+d.SideEffects.join())
	}
	if len(d.Interactions) > 0 {
		parts = append(parts, "Tương tác: "+d.Interactions.join())
	}
	if len(d.Contraindications) > 0 {
		parts = append(parts, "Chống chỉ định: "+d.Contraindications.join())
	}
	if d.Notes != "" {
		parts = append(parts, "Ghi chú: "+d.Notes)
	}
	return strings.Join(parts, "\n")
}
