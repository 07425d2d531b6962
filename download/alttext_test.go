package download

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/aluiziolira/go-scrape-products/models"
)

func TestLoadAltText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "product_sentences.json")
	if err := os.WriteFile(path, []byte(`{"Linen Shirt": ["Chemise en lin", "Chemise été"]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	alt, err := LoadAltText(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := alt.Phrases("Linen Shirt", ""); len(got) != 2 {
		t.Fatalf("phrases = %v", got)
	}
	if got := alt.Phrases("Other", "/tmp/images/Linen_Shirt"); len(got) != 2 {
		t.Fatalf("folder fallback phrases = %v", got)
	}

	if err := os.WriteFile(path, []byte(`[1, 2]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAltText(path); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestAltTextRename(t *testing.T) {
	folder := filepath.Join(t.TempDir(), "Linen_Shirt")
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var results []models.DownloadResult
	for i, name := range []string{"front.jpg", "back.jpg", "side.png"} {
		path := filepath.Join(folder, name)
		if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		results = append(results, models.DownloadResult{
			Reference: models.ImageReference{Index: i},
			Outcome:   models.Saved,
			Path:      path,
		})
	}
	results = append(results, models.DownloadResult{Reference: models.ImageReference{Index: 3}, Outcome: models.Failed})

	summary := &models.ScrapeSummary{Product: "Linen Shirt", Folder: folder, Results: results}
	alt := AltText{"Linen Shirt": {"Chemise en lin", "Chemise été"}}
	if n := alt.Rename(summary); n != 3 {
		t.Fatalf("renamed = %d, want 3", n)
	}

	var got []string
	for _, res := range summary.Results[:3] {
		got = append(got, filepath.Base(res.Path))
	}
	want := []string{"chemise_en_lin.jpg", "chemise_ete.jpg", "chemise_en_lin_1.png"}
	if !slices.Equal(got, want) {
		t.Fatalf("renamed paths = %v, want %v", got, want)
	}
	for _, name := range want {
		if _, err := os.Stat(filepath.Join(folder, name)); err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(folder, "front.jpg")); err == nil {
		t.Fatalf("old name still present")
	}
}

func TestAltTextRenameUnknownProduct(t *testing.T) {
	summary := &models.ScrapeSummary{
		Product: "Hat",
		Folder:  filepath.Join(t.TempDir(), "Hat"),
		Results: []models.DownloadResult{{Outcome: models.Saved, Path: "/nowhere/a.jpg"}},
	}
	if n := (AltText{"Linen Shirt": {"x"}}).Rename(summary); n != 0 {
		t.Fatalf("renamed = %d, want 0", n)
	}
	if summary.Results[0].Path != "/nowhere/a.jpg" {
		t.Fatalf("path changed to %s", summary.Results[0].Path)
	}
}
