package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-products/fetcher"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
	"github.com/aluiziolira/go-scrape-products/profile"
	"github.com/aluiziolira/go-scrape-products/selector"
)

// ErrNoMatch is wrapped by ParseError when a selector matched nothing.
var ErrNoMatch = errors.New("no element matched")

// ParseError reports a field that could not be extracted from a page.
type ParseError struct {
	Field    string
	URL      string
	Selector string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("extract %s from %s (selector %q): %v", e.Field, e.URL, e.Selector, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// PageFetcher loads HTML pages.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (*fetcher.Page, error)
}

// Detail extracts text data from product and collection pages. Empty
// selectors fall back to the resolved site profile.
type Detail struct {
	fetcher  PageFetcher
	resolver *profile.Resolver
	forced   *models.SiteProfile
}

// NewDetail builds a detail extractor.
func NewDetail(f PageFetcher, r *profile.Resolver) *Detail {
	return &Detail{fetcher: f, resolver: r}
}

// ForceProfile bypasses detection and always uses p.
func (d *Detail) ForceProfile(p models.SiteProfile) {
	d.forced = &p
}

// Page fetches pageURL and returns the parsed document and its profile.
func (d *Detail) Page(ctx context.Context, pageURL string) (*selector.Document, models.SiteProfile, error) {
	page, err := d.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, models.SiteProfile{}, err
	}
	doc, err := selector.Parse(page.URL, page.HTML)
	if err != nil {
		return nil, models.SiteProfile{}, err
	}
	if d.forced != nil {
		return doc, *d.forced, nil
	}
	return doc, d.resolver.Resolve(page.URL, page.HTML), nil
}

// Collection follows a paginated product listing and returns one item
// per product link, in page order. Failures after the first page stop
// pagination and keep the items found so far.
func (d *Detail) Collection(ctx context.Context, pageURL, sel, nextSel string, maxPages int) ([]models.CollectionItem, error) {
	for _, s := range []string{sel, nextSel} {
		if s != "" {
			if err := selector.Compile(s); err != nil {
				return nil, err
			}
		}
	}
	if maxPages <= 0 {
		maxPages = 1
	}

	var items []models.CollectionItem
	visited := make(map[string]struct{})
	current := pageURL
	for page := 1; page <= maxPages && current != ""; page++ {
		if _, seen := visited[current]; seen {
			break
		}
		visited[current] = struct{}{}

		doc, prof, err := d.Page(ctx, current)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			slog.Warn("collection pagination stopped",
				slog.String("url", current),
				slog.Int("page", page),
				slog.Any("error", err),
			)
			break
		}

		linkSel := firstNonEmpty(sel, prof.LinkSelector)
		nodes, err := doc.Select(linkSel)
		if err != nil {
			return items, err
		}
		now := time.Now()
		for i := range nodes.Nodes {
			node := nodes.Eq(i)
			href := firstNonEmpty(node.AttrOr("href", ""), node.AttrOr("data-href", ""))
			if href == "" {
				continue
			}
			link, err := doc.Resolve(href)
			if err != nil {
				continue
			}
			name := firstNonEmpty(
				parser.NormalizeText(node.Text()),
				parser.NormalizeText(node.AttrOr("title", "")),
				parser.NormalizeText(node.AttrOr("aria-label", "")),
			)
			items = append(items, models.CollectionItem{Name: name, Link: link, Page: page, ScrapedAt: now})
		}
		slog.Debug("collection page parsed",
			slog.String("url", current),
			slog.Int("page", page),
			slog.Int("links", nodes.Length()),
		)

		current = ""
		nextNodes, err := doc.Select(firstNonEmpty(nextSel, prof.NextSelector))
		if err != nil {
			return items, err
		}
		if href := nextNodes.First().AttrOr("href", ""); href != "" {
			if next, err := doc.Resolve(href); err == nil {
				current = next
			}
		}
	}
	return items, nil
}

// Description returns the inner HTML of the first element matching sel,
// or its Markdown rendering when markdown is set.
func (d *Detail) Description(ctx context.Context, pageURL, sel string, markdown bool) (string, error) {
	doc, node, used, err := d.first(ctx, pageURL, sel, "description", func(p models.SiteProfile) string {
		return p.DescriptionSelector
	})
	if err != nil {
		return "", err
	}
	html, err := node.Html()
	if err != nil {
		return "", &ParseError{Field: "description", URL: pageURL, Selector: used, Err: err}
	}
	html = strings.TrimSpace(html)
	if !markdown {
		return html, nil
	}

	converter := md.NewConverter(doc.URL.Host, true, nil)
	out, err := converter.ConvertString(html)
	if err != nil {
		return "", &ParseError{Field: "description", URL: pageURL, Selector: used, Err: err}
	}
	return strings.TrimSpace(out), nil
}

// Price returns the numeric price shown on a product page and the text it
// was parsed from. Sale prices inside <ins> win over struck-out ones.
func (d *Detail) Price(ctx context.Context, pageURL, sel string) (float64, string, error) {
	_, node, used, err := d.first(ctx, pageURL, sel, "price", func(p models.SiteProfile) string {
		return p.PriceSelector
	})
	if err != nil {
		return 0, "", err
	}

	text := ""
	if ins := node.Find("ins").First(); ins.Length() > 0 {
		text = parser.NormalizeText(ins.Text())
	}
	if text == "" {
		text = firstNonEmpty(parser.NormalizeText(node.Text()), node.AttrOr("content", ""))
	}

	value, err := parser.ParsePrice(text)
	if err != nil {
		return 0, text, &ParseError{Field: "price", URL: pageURL, Selector: used, Err: err}
	}
	return value, text, nil
}

// Variants returns the product title and the distinct option labels
// matched by sel, in page order.
func (d *Detail) Variants(ctx context.Context, pageURL, sel string) (string, []string, error) {
	if sel != "" {
		if err := selector.Compile(sel); err != nil {
			return "", nil, err
		}
	}
	doc, prof, err := d.Page(ctx, pageURL)
	if err != nil {
		return "", nil, err
	}
	used := firstNonEmpty(sel, prof.VariantSelector)
	nodes, err := doc.Select(used)
	if err != nil {
		return "", nil, err
	}

	seen := make(map[string]struct{})
	var variants []string
	nodes.Each(func(_ int, s *goquery.Selection) {
		text := parser.NormalizeText(s.Text())
		if text == "" {
			return
		}
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		variants = append(variants, text)
	})

	title := parser.NormalizeText(doc.Root().Find("h1").First().Text())
	if title == "" {
		title = ProductName(doc)
	}
	return title, variants, nil
}

func (d *Detail) first(ctx context.Context, pageURL, sel, field string, fallback func(models.SiteProfile) string) (*selector.Document, *goquery.Selection, string, error) {
	if sel != "" {
		if err := selector.Compile(sel); err != nil {
			return nil, nil, sel, err
		}
	}
	doc, prof, err := d.Page(ctx, pageURL)
	if err != nil {
		return nil, nil, sel, err
	}
	used := firstNonEmpty(sel, fallback(prof))
	nodes, err := doc.Select(used)
	if err != nil {
		return nil, nil, used, err
	}
	if nodes.Length() == 0 {
		return nil, nil, used, &ParseError{Field: field, URL: pageURL, Selector: used, Err: ErrNoMatch}
	}
	return doc, nodes.First(), used, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
