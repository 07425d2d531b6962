package selector

import (
	"errors"
	"slices"
	"testing"
)

const gallery = `<html><body>
<div class="gallery">
  <img id="a" src="/a.jpg">
  <div class="inner"><img id="b" src="/b.jpg"></div>
  <span class="badge"></span>
  <img id="c" src="/c.jpg">
</div>
<footer><img id="d" src="/d.jpg"></footer>
</body></html>`

func ids(t *testing.T, d *Document, sel string) []string {
	t.Helper()
	nodes, err := d.Select(sel)
	if err != nil {
		t.Fatalf("select %q: %v", sel, err)
	}
	var out []string
	for _, n := range nodes.Nodes {
		for _, attr := range n.Attr {
			if attr.Key == "id" {
				out = append(out, attr.Val)
			}
		}
	}
	return out
}

func TestSelectDocumentOrder(t *testing.T) {
	d, err := Parse("https://shop.example/p/1", gallery)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		sel  string
		want []string
	}{
		{sel: "img", want: []string{"a", "b", "c", "d"}},
		{sel: ".gallery img", want: []string{"a", "b", "c"}},
		{sel: "footer img, .gallery > img", want: []string{"a", "c", "d"}},
		{sel: "video", want: nil},
	}
	for _, tt := range tests {
		if got := ids(t, d, tt.sel); !slices.Equal(got, tt.want) {
			t.Fatalf("Select(%q) = %v, want %v", tt.sel, got, tt.want)
		}
	}
}

func TestSelectDeterministic(t *testing.T) {
	d, err := Parse("https://shop.example/", gallery)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	first := ids(t, d, "img")
	for i := 0; i < 5; i++ {
		if got := ids(t, d, "img"); !slices.Equal(got, first) {
			t.Fatalf("run %d returned %v, want %v", i, got, first)
		}
	}
}

func TestInvalidSelector(t *testing.T) {
	for _, sel := range []string{"div[", "", "a >> b", "::"} {
		err := Compile(sel)
		var selErr *SelectorError
		if !errors.As(err, &selErr) {
			t.Fatalf("Compile(%q) expected *SelectorError, got %v", sel, err)
		}
	}

	d, err := Parse("https://shop.example/", gallery)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := d.Select("div["); err == nil {
		t.Fatal("Select should reject invalid selector")
	}
}

func TestResolve(t *testing.T) {
	d, err := Parse("http://shop.example/collections/all/", "<html></html>")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tests := []struct {
		ref  string
		want string
	}{
		{ref: "/img/a.jpg", want: "http://shop.example/img/a.jpg"},
		{ref: "b.jpg", want: "http://shop.example/collections/all/b.jpg"},
		{ref: "//cdn.example/c.jpg", want: "http://cdn.example/c.jpg"},
		{ref: "https://other.example/d.png", want: "https://other.example/d.png"},
	}
	for _, tt := range tests {
		got, err := d.Resolve(tt.ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.ref, err)
		}
		if got != tt.want {
			t.Fatalf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
	if _, err := d.Resolve("  "); err == nil {
		t.Fatal("expected error for empty reference")
	}
}
