package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aluiziolira/go-scrape-products/models"
)

func TestResolve(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name string
		url  string
		html string
		want models.ProfileName
	}{
		{name: "shopify host", url: "https://demo.myshopify.com/products/tee", want: models.ProfileShopify},
		{name: "shopify cdn marker", url: "https://brand.example/products/tee", html: `<img src="//cdn.shopify.com/s/files/a.jpg">`, want: models.ProfileShopify},
		{name: "shopify theme marker", url: "https://brand.example/p", html: `<script>Shopify.theme = {}</script>`, want: models.ProfileShopify},
		{name: "woocommerce host", url: "https://woocommerce.example/product/x", want: models.ProfileWooCommerce},
		{name: "wordpress marker", url: "https://shop.example/product/x", html: `<link href="/wp-content/themes/a.css">`, want: models.ProfileWooCommerce},
		{name: "wp subdomain", url: "https://wp.shop.example/", want: models.ProfileWooCommerce},
		{name: "generic", url: "https://shop.example/item/1", html: "<html><img src=a.jpg></html>", want: models.ProfileGeneric},
		{name: "unparsable url", url: "://bad", html: "", want: models.ProfileGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(tt.url, tt.html).Name; got != tt.want {
				t.Fatalf("Resolve(%q) = %s, want %s", tt.url, got, tt.want)
			}
		})
	}
}

func TestShopifyBeatsWooCommerce(t *testing.T) {
	html := `<link href="/wp-content/x.css"><img src="https://cdn.shopify.com/a.jpg">`
	if got := NewResolver().Resolve("https://shop.example/", html).Name; got != models.ProfileShopify {
		t.Fatalf("expected shopify priority, got %s", got)
	}
}

func TestCustomRulesTakePrecedence(t *testing.T) {
	rules, err := Decode([]byte(`[
		{"name": "MyStore", "hosts": ["mystore"], "images": ".gallery img"},
		{"name": "markers-only", "markers": ["data-acme-shop"]}
	]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r := NewResolver(rules...)

	got := r.Resolve("https://mystore.myshopify.com/p", "")
	if got.Name != "mystore" {
		t.Fatalf("expected custom profile, got %s", got.Name)
	}
	if got.ImageSelector != ".gallery img" {
		t.Fatalf("image selector = %q", got.ImageSelector)
	}
	if got.PriceSelector != Generic.PriceSelector {
		t.Fatalf("missing selectors should default to generic, got %q", got.PriceSelector)
	}

	if got := r.Resolve("https://acme.example/", `<div data-acme-shop="1">`).Name; got != "markers-only" {
		t.Fatalf("expected marker match, got %s", got)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{`},
		{name: "missing name", data: `[{"hosts": ["x"]}]`},
		{name: "bad selector", data: `[{"name": "x", "price": "div["}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	if err := os.WriteFile(path, []byte(`[{"name": "local", "hosts": ["localhost"]}]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rules, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 1 || rules[0].Profile.Name != "local" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLookup(t *testing.T) {
	r := NewResolver()
	for _, name := range []string{"shopify", "WooCommerce", " generic "} {
		if _, ok := r.Lookup(name); !ok {
			t.Fatalf("Lookup(%q) not found", name)
		}
	}
	if _, ok := r.Lookup("magento"); ok {
		t.Fatal("unknown profile should not resolve")
	}
	if names := r.Names(); len(names) != 3 || names[2] != models.ProfileGeneric {
		t.Fatalf("unexpected names %v", names)
	}
}
