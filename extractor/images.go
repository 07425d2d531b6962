// Package extractor turns selected page nodes into image references,
// collection links, descriptions, prices and variants.
package extractor

import (
	"fmt"
	"iter"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
	"github.com/aluiziolira/go-scrape-products/selector"
)

// imageAttrs are read in order; the first usable one wins.
var imageAttrs = []string{"src", "data-src", "data-srcset", "srcset"}

var sizeSuffix = regexp.MustCompile(`-\d+(x\d+)?$`)

// Images yields one reference per node that carries a usable image
// attribute, in node order. titleSelector, when set, names elements whose
// text labels the images below them. The sequence can be ranged over more
// than once.
func Images(doc *selector.Document, nodes *goquery.Selection, titleSelector string) iter.Seq[models.ImageReference] {
	return func(yield func(models.ImageReference) bool) {
		index := 0
		for i := range nodes.Nodes {
			node := nodes.Eq(i)
			ref, ok := imageReference(doc, node)
			if !ok {
				continue
			}
			index++
			ref.Index = index
			ref.SuggestedName = suggestedName(node, titleSelector, ref, index)
			if !yield(ref) {
				return
			}
		}
	}
}

func imageReference(doc *selector.Document, node *goquery.Selection) (models.ImageReference, bool) {
	values := make([]string, 0, len(imageAttrs))
	for _, attr := range imageAttrs {
		if v := strings.TrimSpace(node.AttrOr(attr, "")); v != "" {
			values = append(values, pickCandidate(attr, v))
		}
	}
	if len(values) == 0 {
		return models.ImageReference{}, false
	}

	// Lazy loaders put a tiny inline placeholder in src and the real
	// image in a data attribute.
	chosen := values[0]
	if isDataURI(chosen) {
		for _, v := range values[1:] {
			if !isDataURI(v) {
				chosen = v
				break
			}
		}
	}

	if isDataURI(chosen) {
		mediaType, payload, ok := splitDataURI(chosen)
		if !ok {
			return models.ImageReference{}, false
		}
		return models.ImageReference{Kind: models.InlineBase64, Payload: payload, MediaType: mediaType}, true
	}

	abs, err := doc.Resolve(chosen)
	if err != nil {
		return models.ImageReference{}, false
	}
	return models.ImageReference{Kind: models.RemoteURL, Payload: abs}, true
}

// pickCandidate returns the last URL of a srcset-like value, which is the
// largest rendition on the sites this tool targets.
func pickCandidate(attr, value string) string {
	if !strings.HasSuffix(attr, "srcset") || isDataURI(value) {
		return value
	}
	candidates := strings.Split(value, ",")
	for i := len(candidates) - 1; i >= 0; i-- {
		fields := strings.Fields(candidates[i])
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return value
}

func isDataURI(v string) bool {
	return len(v) > 5 && strings.EqualFold(v[:5], "data:")
}

// splitDataURI parses data:<mime>;base64,<payload>. Non-base64 data URIs
// are not supported.
func splitDataURI(v string) (mediaType, payload string, ok bool) {
	header, payload, found := strings.Cut(v[5:], ",")
	if !found {
		return "", "", false
	}
	params := strings.Split(header, ";")
	if !strings.EqualFold(strings.TrimSpace(params[len(params)-1]), "base64") {
		return "", "", false
	}
	mediaType = strings.ToLower(strings.TrimSpace(params[0]))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	payload = strings.Join(strings.Fields(payload), "")
	if payload == "" {
		return "", "", false
	}
	return mediaType, payload, true
}

func suggestedName(node *goquery.Selection, titleSelector string, ref models.ImageReference, index int) string {
	candidates := []string{
		titleText(node, titleSelector),
		node.AttrOr("alt", ""),
	}
	if ref.Kind == models.RemoteURL {
		candidates = append(candidates, urlStem(ref.Payload))
	}
	for _, c := range candidates {
		if name := parser.SanitizeName(c); name != "" {
			return name
		}
	}
	return fmt.Sprintf("image_%d", index)
}

// titleText returns the text of the closest product title around node:
// an ancestor matching titleSelector, or a title inside the nearest
// ancestor that has one.
func titleText(node *goquery.Selection, titleSelector string) string {
	if titleSelector == "" || selector.Compile(titleSelector) != nil {
		return ""
	}
	ancestors := node.ParentsUntil("body")
	for i := range ancestors.Nodes {
		anc := ancestors.Eq(i)
		if anc.Is(titleSelector) {
			if text := parser.NormalizeText(anc.Text()); text != "" {
				return text
			}
		}
		if title := anc.Find(titleSelector).First(); title.Length() > 0 {
			if text := parser.NormalizeText(title.Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

// urlStem is the file name of rawURL without extension or size suffix.
func urlStem(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	return sizeSuffix.ReplaceAllString(base, "")
}

// ProductName picks a human name for the page: og:title, then <title>,
// then the first <h1>, then the last URL path segment.
func ProductName(doc *selector.Document) string {
	root := doc.Root()
	candidates := []string{
		root.Find(`meta[property="og:title"]`).First().AttrOr("content", ""),
		root.Find("title").First().Text(),
		root.Find("h1").First().Text(),
	}
	for _, c := range candidates {
		if text := parser.NormalizeText(c); text != "" {
			return text
		}
	}
	if doc.URL != nil {
		if slug := path.Base(strings.TrimSuffix(doc.URL.Path, "/")); slug != "/" && slug != "." && slug != "" {
			return slug
		}
	}
	return "product"
}
