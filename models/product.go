// Package models defines data structures for the scraper.
package models

import "time"

// ScrapeTarget is one page to scrape. Selector is empty when the site
// profile decides which nodes hold product images.
type ScrapeTarget struct {
	URL        string
	Selector   string
	MaxThreads int
}

// ProfileName names a bundle of CSS selectors.
type ProfileName string

const (
	ProfileWooCommerce ProfileName = "woocommerce"
	ProfileShopify     ProfileName = "shopify"
	ProfileGeneric     ProfileName = "generic"
)

// SiteProfile holds the selectors tuned for one e-commerce platform.
type SiteProfile struct {
	Name                ProfileName `json:"name"`
	ImageSelector       string      `json:"images"`
	LinkSelector        string      `json:"collection"`
	NextSelector        string      `json:"next"`
	PriceSelector       string      `json:"price"`
	DescriptionSelector string      `json:"description"`
	TitleSelector       string      `json:"title"`
	VariantSelector     string      `json:"variants"`
}

// SourceKind tells how an image reference carries its bytes.
type SourceKind string

const (
	RemoteURL    SourceKind = "remote_url"
	InlineBase64 SourceKind = "inline_base64"
)

// ImageReference points at an image that has not been downloaded yet.
type ImageReference struct {
	Index         int        `json:"index"`
	Kind          SourceKind `json:"kind"`
	Payload       string     `json:"-"`
	MediaType     string     `json:"media_type,omitempty"`
	SuggestedName string     `json:"suggested_name,omitempty"`
}

// Source returns a loggable form of the payload.
func (r ImageReference) Source() string {
	if r.Kind == InlineBase64 {
		return "data:" + r.MediaType + ";base64"
	}
	return r.Payload
}

// Outcome is the final state of one image reference.
type Outcome string

const (
	Saved   Outcome = "saved"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Reasons attached to skipped results.
const (
	ReasonAlreadyExists = "already_exists"
	ReasonDuplicate     = "duplicate"
	ReasonCancelled     = "cancelled"
	ReasonAborted       = "aborted"
)

// DownloadResult records what happened to one image reference.
type DownloadResult struct {
	Reference ImageReference `json:"reference"`
	Source    string         `json:"source"`
	Outcome   Outcome        `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Path      string         `json:"path,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	Bytes     int64          `json:"bytes,omitempty"`
}

// ScrapeSummary aggregates the results of one image run.
type ScrapeSummary struct {
	URL        string           `json:"url"`
	Product    string           `json:"product"`
	Folder     string           `json:"folder"`
	Profile    ProfileName      `json:"profile"`
	Selector   string           `json:"selector"`
	Attempted  int              `json:"attempted"`
	Saved      int              `json:"saved"`
	Skipped    int              `json:"skipped"`
	Failed     int              `json:"failed"`
	Results    []DownloadResult `json:"results"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// CollectionItem is one product link found on a collection page.
type CollectionItem struct {
	Name      string    `csv:"name" json:"name"`
	Link      string    `csv:"url" json:"url"`
	Page      int       `csv:"-" json:"page"`
	ScrapedAt time.Time `csv:"-" json:"scraped_at"`
}
