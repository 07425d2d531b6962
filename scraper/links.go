package scraper

import (
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aluiziolira/go-scrape-products/config"
)

var uploadExts = []string{".webp", ".jpg", ".jpeg", ".png"}

// UploadLinks walks root and returns the WordPress upload URL of every
// image file under it, sorted by path.
func UploadLinks(root, baseURL, datePath string) ([]string, error) {
	if err := config.ValidateURL(baseURL); err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}

	var links []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !slices.Contains(uploadExts, strings.ToLower(filepath.Ext(d.Name()))) {
			return nil
		}
		links = append(links, uploadURL(baseURL, datePath, d.Name()))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return links, nil
}

func uploadURL(baseURL, datePath, file string) string {
	return strings.TrimRight(baseURL, "/") + "/wp-content/uploads/" + strings.Trim(datePath, "/") + "/" + url.PathEscape(file)
}
