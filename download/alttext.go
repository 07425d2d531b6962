package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
)

// AltText maps a product name to the phrases its images are renamed after.
type AltText map[string][]string

// LoadAltText reads a JSON object of product name to phrase list.
func LoadAltText(path string) (AltText, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alt text: %w", err)
	}
	var alt AltText
	if err := json.Unmarshal(data, &alt); err != nil {
		return nil, fmt.Errorf("decode alt text %s: %w", path, err)
	}
	return alt, nil
}

// Phrases returns the phrases of product, falling back to the folder name
// with underscores read as spaces.
func (a AltText) Phrases(product, folder string) []string {
	if p := a[product]; len(p) > 0 {
		return p
	}
	return a[strings.ReplaceAll(filepath.Base(folder), "_", " ")]
}

// Rename gives every saved image of summary a name taken from its
// product's phrases, cycling through them in reference order. Stems stay
// unique within the folder whatever the extension. Paths in summary are
// updated; images that cannot be renamed keep their name. It returns the
// number of renamed files.
func (a AltText) Rename(summary *models.ScrapeSummary) int {
	phrases := a.Phrases(summary.Product, summary.Folder)
	if len(phrases) == 0 {
		slog.Warn("no alt text for product, images keep their names",
			slog.String("product", summary.Product))
		return 0
	}

	taken := make(map[string]struct{})
	entries, err := os.ReadDir(summary.Folder)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("rename skipped", slog.String("folder", summary.Folder), slog.Any("error", err))
		return 0
	}
	for _, e := range entries {
		taken[stemKey(e.Name())] = struct{}{}
	}

	renamed, n := 0, 0
	for i := range summary.Results {
		res := &summary.Results[i]
		if res.Outcome != models.Saved || res.Path == "" {
			continue
		}
		base := strings.ToLower(parser.SanitizeName(phrases[n%len(phrases)]))
		n++
		if base == "" {
			continue
		}
		stem := base
		for k := 1; ; k++ {
			if _, ok := taken[stem]; !ok {
				break
			}
			stem = fmt.Sprintf("%s_%d", base, k)
		}

		target := filepath.Join(filepath.Dir(res.Path), stem+filepath.Ext(res.Path))
		if err := os.Rename(res.Path, target); err != nil {
			slog.Warn("rename failed", slog.String("path", res.Path), slog.Any("error", err))
			continue
		}
		delete(taken, stemKey(filepath.Base(res.Path)))
		taken[stem] = struct{}{}
		res.Path = target
		renamed++
	}
	return renamed
}
