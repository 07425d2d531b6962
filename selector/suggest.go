package selector

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoLinks is returned by SuggestLinkSelector when html has no anchor
// with both an href and visible text.
var ErrNoLinks = errors.New("no link with text and href")

// Layout utility classes that say nothing about the content.
var layoutClass = regexp.MustCompile(`^(v-stack|h-stack|grid|w-full|h-full)$|^(gap|grid)-`)

var identifier = regexp.MustCompile(`^-?[A-Za-z_][\w-]*$`)

// SuggestLinkSelector proposes a selector for the product links of a
// listing page. Every anchor with text is scoped by its nearest ancestor
// carrying an id or a meaningful class, and the shortest result wins.
func SuggestLinkSelector(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if strings.TrimSpace(a.Text()) == "" {
			return
		}
		seen[linkSelector(a)] = struct{}{}
	})
	if len(seen) == 0 {
		return "", ErrNoLinks
	}

	candidates := make([]string, 0, len(seen))
	for sel := range seen {
		candidates = append(candidates, sel)
	}
	slices.SortFunc(candidates, func(a, b string) int {
		if c := cmp.Compare(len(a), len(b)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return candidates[0], nil
}

func linkSelector(a *goquery.Selection) string {
	for p := a.Parent(); p.Length() > 0; p = p.Parent() {
		tag := goquery.NodeName(p)
		if tag == "html" {
			break
		}
		if id, ok := p.Attr("id"); ok && identifier.MatchString(id) {
			return tag + "#" + id + " a"
		}
		if classes := usefulClasses(p.AttrOr("class", "")); len(classes) > 0 {
			return tag + "." + strings.Join(classes, ".") + " a"
		}
	}
	return "a"
}

func usefulClasses(attr string) []string {
	var out []string
	for _, c := range strings.Fields(attr) {
		if layoutClass.MatchString(c) || !identifier.MatchString(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
