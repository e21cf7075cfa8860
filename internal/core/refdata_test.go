package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRefData(t *testing.T, files map[string]string) *ReferenceData {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return NewReferenceData(dir)
}

const testCuratedJSON = `{
  "diseases": [
    {"name": "Sốt xuất huyết", "definition": "Bệnh do virus dengue", "causes": ["muỗi vằn"], "symptoms": ["sốt cao", "phát ban"], "treatment": "Bù dịch", "warnings": "Đi khám khi sốt cao liên tục"},
    {"name": "Cảm cúm", "definition": "Nhiễm virus cúm", "causes": "virus cúm", "symptoms": "ho, sổ mũi"}
  ],
  "drugs": [
    {"name": "Paracetamol", "uses": "Hạ sốt, giảm đau", "dosage": "500mg mỗi 6 giờ", "side_effects": ["độc gan khi quá liều"]}
  ]
}`

func TestStringListAcceptsStringOrArray(t *testing.T) {
	ref := writeRefData(t, map[string]string{"data.json": testCuratedJSON})

	d, err := ref.FindDisease("cảm cúm")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil {
		t.Fatal("no match")
	}
	if len(d.Causes) != 1 || d.Causes[0] != "virus cúm" {
		t.Fatalf("Causes = %+v, a bare string should load as one element", d.Causes)
	}
}

func TestFindDiseaseMatchesSubstring(t *testing.T) {
	ref := writeRefData(t, map[string]string{"data.json": testCuratedJSON})

	d, err := ref.FindDisease("sốt xuất huyết")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Name != "Sốt xuất huyết" {
		t.Fatalf("match = %+v", d)
	}

	// Matching is case-insensitive and tolerant of partial names.
	d, err = ref.FindDisease("xuất huyết")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil {
		t.Fatal("substring query should match")
	}

	d, err = ref.FindDisease("ung thư phổi")
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatalf("unexpected match: %+v", d)
	}
}

func TestFindDrugFallsBackToCatalog(t *testing.T) {
	ref := writeRefData(t, map[string]string{
		"data.json":  testCuratedJSON,
		"thuoc.json": `[{"name": "Ibuprofen", "content": "Thuốc kháng viêm không steroid."}]`,
	})

	d, err := ref.FindDrug("paracetamol")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Uses == "" {
		t.Fatalf("curated drug = %+v", d)
	}

	d, err = ref.FindDrug("ibuprofen")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Notes != "Thuốc kháng viêm không steroid." {
		t.Fatalf("catalog drug = %+v", d)
	}
}

func TestMissingDataFilesAreEmptyNotErrors(t *testing.T) {
	ref := NewReferenceData(t.TempDir())

	if d, err := ref.FindDisease("sốt"); err != nil || d != nil {
		t.Fatalf("FindDisease = %+v, %v", d, err)
	}
	if items := ref.Diseases(""); len(items) != 0 {
		t.Fatalf("Diseases = %+v", items)
	}
	if items := ref.Drugs("x"); len(items) != 0 {
		t.Fatalf("Drugs = %+v", items)
	}
}

func TestCatalogFilter(t *testing.T) {
	ref := writeRefData(t, map[string]string{
		"benh.json": `[{"name": "Sốt xuất huyết"}, {"name": "Cảm cúm"}]`,
	})

	all := ref.Diseases("")
	if len(all) != 2 {
		t.Fatalf("got %d entries, want 2", len(all))
	}
	filtered := ref.Diseases("cúm")
	if len(filtered) != 1 || filtered[0].name() != "Cảm cúm" {
		t.Fatalf("filtered = %+v", filtered)
	}
}

func TestFormatDisease(t *testing.T) {
	ref := writeRefData(t, map[string]string{"data.json": testCuratedJSON})
	d, err := ref.FindDisease("sốt xuất huyết")
	if err != nil || d == nil {
		t.Fatalf("FindDisease: %v", err)
	}

	text := FormatDisease(d)
	for _, want := range []string{"Định nghĩa: Bệnh do virus dengue", "Nguyên nhân: muỗi vằn", "Triệu chứng: sốt cao, phát ban", "Điều trị: Bù dịch"} {
		if !strings.Contains(text, want) {
			t.Fatalf("formatted text missing %q:\n%s", want, text)
		}
	}
}
