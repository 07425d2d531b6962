// Package profile picks the selector bundle matching an e-commerce site.
package profile

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/selector"
)

// Built-in profiles.
var (
	Shopify = models.SiteProfile{
		Name:                models.ProfileShopify,
		ImageSelector:       ".product-gallery__media-list img, .product__media img, .product-single__media img",
		LinkSelector:        "div.product-card__info h3.product-card__title a",
		NextSelector:        `a[rel="next"]`,
		PriceSelector:       ".price",
		DescriptionSelector: ".rte",
		TitleSelector:       ".product-card__title, .product__title, .product-meta__title",
		VariantSelector:     ".variant-picker__option-values span.sr-only",
	}

	WooCommerce = models.SiteProfile{
		Name:                models.ProfileWooCommerce,
		ImageSelector:       ".woocommerce-product-gallery__image img",
		LinkSelector:        "ul.products li.product a.woocommerce-LoopProduct-link",
		NextSelector:        "a.next.page-numbers",
		PriceSelector:       "p.price",
		DescriptionSelector: ".woocommerce-product-details__short-description, #tab-description",
		TitleSelector:       ".product_title, .woocommerce-loop-product__title",
		VariantSelector:     ".variations select option[value]:not([value=''])",
	}

	Generic = models.SiteProfile{
		Name:                models.ProfileGeneric,
		ImageSelector:       "img",
		LinkSelector:        "a[href]",
		NextSelector:        `a[rel="next"]`,
		PriceSelector:       "[itemprop=price], .price",
		DescriptionSelector: "[itemprop=description], .description",
		TitleSelector:       "[itemprop=name], .product-title, .product_title",
		VariantSelector:     "select option[value]:not([value=''])",
	}
)

// Rule pairs a profile with the predicate that selects it.
type Rule struct {
	Profile models.SiteProfile
	Match   func(u *url.URL, html string) bool
}

// Resolver evaluates rules in priority order; the first match wins and
// Generic is the fallback.
type Resolver struct {
	rules  []Rule
	byName map[models.ProfileName]models.SiteProfile
}

// NewResolver builds a resolver. Custom rules take precedence over the
// built-in ones.
func NewResolver(custom ...Rule) *Resolver {
	rules := make([]Rule, 0, len(custom)+2)
	rules = append(rules, custom...)
	rules = append(rules,
		Rule{Profile: Shopify, Match: isShopify},
		Rule{Profile: WooCommerce, Match: isWooCommerce},
	)

	byName := map[models.ProfileName]models.SiteProfile{
		Generic.Name: Generic,
	}
	for i := len(rules) - 1; i >= 0; i-- {
		byName[rules[i].Profile.Name] = rules[i].Profile
	}
	return &Resolver{rules: rules, byName: byName}
}

// Resolve returns the profile for a page.
func (r *Resolver) Resolve(pageURL, html string) models.SiteProfile {
	u, err := url.Parse(pageURL)
	if err != nil {
		u = &url.URL{}
	}
	lowered := strings.ToLower(html)
	for _, rule := range r.rules {
		if rule.Match != nil && rule.Match(u, lowered) {
			return rule.Profile
		}
	}
	return Generic
}

// Lookup returns the profile registered under name.
func (r *Resolver) Lookup(name string) (models.SiteProfile, bool) {
	p, ok := r.byName[models.ProfileName(strings.ToLower(strings.TrimSpace(name)))]
	return p, ok
}

// Names lists the registered profiles in priority order.
func (r *Resolver) Names() []models.ProfileName {
	names := make([]models.ProfileName, 0, len(r.rules)+1)
	for _, rule := range r.rules {
		names = append(names, rule.Profile.Name)
	}
	return append(names, Generic.Name)
}

func isShopify(u *url.URL, html string) bool {
	host := strings.ToLower(u.Hostname())
	return strings.Contains(host, "shopify") ||
		strings.Contains(u.Path, "/cdn/shop/") ||
		strings.Contains(html, "cdn.shopify.com") ||
		strings.Contains(html, "/cdn/shop/") ||
		strings.Contains(html, "shopify.theme")
}

func isWooCommerce(u *url.URL, html string) bool {
	host := strings.ToLower(u.Hostname())
	return strings.Contains(host, "woocommerce") ||
		strings.Contains(host, "wordpress") ||
		strings.HasPrefix(host, "wp.") ||
		strings.Contains(host, ".wp.") ||
		strings.Contains(html, "wp-content") ||
		strings.Contains(html, "woocommerce")
}

// fileProfile is the JSON form of a custom profile.
type fileProfile struct {
	models.SiteProfile
	Hosts   []string `json:"hosts"`
	Markers []string `json:"markers"`
}

// LoadFile reads custom profiles from a JSON array. Missing selectors fall
// back to the Generic profile.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Decode(data)
}

// Decode parses custom profiles from JSON.
func Decode(data []byte) ([]Rule, error) {
	var entries []fileProfile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}

	rules := make([]Rule, 0, len(entries))
	for i, entry := range entries {
		p := withDefaults(entry.SiteProfile)
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d: missing name", i)
		}
		for _, sel := range []string{p.ImageSelector, p.LinkSelector, p.NextSelector, p.PriceSelector,
			p.DescriptionSelector, p.TitleSelector, p.VariantSelector} {
			if err := selector.Compile(sel); err != nil {
				return nil, fmt.Errorf("profile %s: %w", p.Name, err)
			}
		}
		rules = append(rules, Rule{Profile: p, Match: matcher(entry.Hosts, entry.Markers)})
	}
	return rules, nil
}

func withDefaults(p models.SiteProfile) models.SiteProfile {
	p.Name = models.ProfileName(strings.ToLower(strings.TrimSpace(string(p.Name))))
	fill := func(dst *string, fallback string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = fallback
		}
	}
	fill(&p.ImageSelector, Generic.ImageSelector)
	fill(&p.LinkSelector, Generic.LinkSelector)
	fill(&p.NextSelector, Generic.NextSelector)
	fill(&p.PriceSelector, Generic.PriceSelector)
	fill(&p.DescriptionSelector, Generic.DescriptionSelector)
	fill(&p.TitleSelector, Generic.TitleSelector)
	fill(&p.VariantSelector, Generic.VariantSelector)
	return p
}

func matcher(hosts, markers []string) func(*url.URL, string) bool {
	return func(u *url.URL, html string) bool {
		host := strings.ToLower(u.Hostname())
		for _, h := range hosts {
			if h != "" && strings.Contains(host, strings.ToLower(h)) {
				return true
			}
		}
		for _, m := range markers {
			if m != "" && strings.Contains(html, strings.ToLower(m)) {
				return true
			}
		}
		return false
	}
}
