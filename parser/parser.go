package parser

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/aluiziolira/go-scrape-products/models"
)

// MaxNameBytes bounds sanitized file and folder names.
const MaxNameBytes = 100

// ErrNoPrice is returned when a text carries no number.
var ErrNoPrice = errors.New("no price found")

// ValidateItem ensures a collection item carries a usable link.
func ValidateItem(item *models.CollectionItem) error {
	if item == nil {
		return fmt.Errorf("item is nil")
	}
	if strings.TrimSpace(item.Link) == "" {
		return fmt.Errorf("item missing link for %q", item.Name)
	}
	u, err := url.Parse(item.Link)
	if err != nil {
		return fmt.Errorf("item link %q: %w", item.Link, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("item link %q is not an absolute http(s) URL", item.Link)
	}
	return nil
}

// NormalizeText collapses runs of whitespace and trims the result.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

var priceNumber = regexp.MustCompile(`\d{1,3}(?:[ \x{00a0}\x{202f}']\d{3})+(?:[.,]\d+)?|\d[\d.,]*\d|\d`)

// NormalizePrice extracts the first number in text and rewrites it with a
// dot as decimal separator and no grouping, e.g. "1 234,50 €" -> "1234.50".
func NormalizePrice(text string) (string, error) {
	raw := priceNumber.FindString(text)
	if raw == "" {
		return "", ErrNoPrice
	}
	raw = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\'' {
			return -1
		}
		return r
	}, raw)

	lastComma := strings.LastIndexByte(raw, ',')
	lastDot := strings.LastIndexByte(raw, '.')
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(raw, ",") > 1 || len(raw)-lastComma-1 == 3 {
			raw = strings.ReplaceAll(raw, ",", "")
		} else {
			raw = strings.Replace(raw, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(raw, ".") > 1 {
			raw = strings.ReplaceAll(raw, ".", "")
		}
	}
	return raw, nil
}

// ParsePrice converts a displayed price into a number.
func ParsePrice(text string) (float64, error) {
	normalized, err := NormalizePrice(text)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", text, err)
	}
	return value, nil
}

// SanitizeName turns free text into a portable file or folder name:
// accents removed, separators and control characters dropped, whitespace
// replaced with underscores, truncated to MaxNameBytes.
func SanitizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range folded {
		switch {
		case unicode.IsSpace(r) || r == '_':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
			}
			lastUnderscore = true
			continue
		case unicode.IsControl(r), strings.ContainsRune(`/\:*?"<>|`, r):
			continue
		}
		b.WriteRune(r)
		lastUnderscore = false
	}

	out := strings.Trim(b.String(), "._- ")
	if len(out) > MaxNameBytes {
		out = out[:MaxNameBytes]
		for !utf8.ValidString(out) {
			out = out[:len(out)-1]
		}
		out = strings.TrimRight(out, "._- ")
	}
	return out
}
