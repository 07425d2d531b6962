// Package selector parses HTML pages and evaluates CSS selectors over them.
package selector

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// SelectorError reports a CSS selector that does not compile.
type SelectorError struct {
	Selector string
	Err      error
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("invalid selector %q: %v", e.Selector, e.Err)
}

func (e *SelectorError) Unwrap() error {
	return e.Err
}

// Compile checks sel without touching any document.
func Compile(sel string) error {
	_, err := compile(sel)
	return err
}

func compile(sel string) (cascadia.Selector, error) {
	if strings.TrimSpace(sel) == "" {
		return nil, &SelectorError{Selector: sel, Err: fmt.Errorf("empty selector")}
	}
	compiled, err := cascadia.Compile(sel)
	if err != nil {
		return nil, &SelectorError{Selector: sel, Err: err}
	}
	return compiled, nil
}

// Document is a parsed page together with the URL it was served from.
type Document struct {
	URL *url.URL
	doc *goquery.Document
}

// Parse builds a document from html. pageURL is used to resolve relative
// references.
func Parse(pageURL, html string) (*Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Url = base
	return &Document{URL: base, doc: doc}, nil
}

// Select returns the elements matching sel in document order. No match is
// an empty selection, not an error.
func (d *Document) Select(sel string) (*goquery.Selection, error) {
	compiled, err := compile(sel)
	if err != nil {
		return nil, err
	}
	return d.doc.FindMatcher(compiled), nil
}

// Root returns the underlying goquery document.
func (d *Document) Root() *goquery.Document {
	return d.doc
}

// Resolve turns ref into an absolute URL against the page URL.
// Protocol-relative references take the page scheme.
func (d *Document) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty reference")
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	abs := d.URL.ResolveReference(parsed)
	if abs.Scheme == "" {
		abs.Scheme = "https"
	}
	return abs.String(), nil
}
