package download

import (
	"encoding/base64"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/aluiziolira/go-scrape-products/models"
)

const defaultExt = ".jpg"

var imageExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".avif": {},
	".svg": {}, ".bmp": {}, ".tif": {}, ".tiff": {}, ".ico": {}, ".heic": {},
}

// extension picks the file extension for an image: the URL path, then
// the declared media type, then the sniffed content.
func extension(ref models.ImageReference, contentType string, head []byte) string {
	if ref.Kind == models.RemoteURL {
		if u, err := url.Parse(ref.Payload); err == nil {
			ext := strings.ToLower(path.Ext(u.Path))
			if _, ok := imageExts[ext]; ok {
				return ext
			}
		}
	}
	for _, declared := range []string{ref.MediaType, contentType} {
		if ext := mediaTypeExt(declared); ext != "" {
			return ext
		}
	}
	if len(head) > 0 {
		if detected := mimetype.Detect(head); strings.HasPrefix(detected.String(), "image/") {
			return detected.Extension()
		}
	}
	return defaultExt
}

func mediaTypeExt(declared string) string {
	if declared == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return ""
	}
	if m := mimetype.Lookup(mediaType); m != nil {
		return m.Extension()
	}
	return ""
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

func decodeBase64(payload string) ([]byte, error) {
	payload = strings.Join(strings.Fields(payload), "")
	if unescaped, err := url.PathUnescape(payload); err == nil {
		payload = unescaped
	}
	var firstErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(payload)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, &DecodeError{Err: firstErr}
}
