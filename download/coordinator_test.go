package download

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/fetcher"
	"github.com/aluiziolira/go-scrape-products/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	return cfg
}

func mockFetcher(cfg *config.Config) (*fetcher.Fetcher, *httpmock.MockTransport) {
	transport := httpmock.NewMockTransport()
	f := fetcher.New(cfg, nil)
	f.WithTransport(transport)
	return f, transport
}

func imageResponder(contentType string, body []byte) httpmock.Responder {
	resp := httpmock.NewBytesResponse(200, body)
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	return httpmock.ResponderFromResponse(resp)
}

func remote(index int, rawURL, name string) models.ImageReference {
	return models.ImageReference{Index: index, Kind: models.RemoteURL, Payload: rawURL, SuggestedName: name}
}

func refs(list ...models.ImageReference) func(func(models.ImageReference) bool) {
	return slices.Values(list)
}

func baseNames(summary *models.ScrapeSummary) []string {
	out := make([]string, len(summary.Results))
	for i, res := range summary.Results {
		out[i] = fmt.Sprintf("%d:%s:%s:%s", res.Reference.Index, res.Outcome, res.Reason, filepath.Base(res.Path))
	}
	return out
}

func TestDownloadAllSavesWithExtensions(t *testing.T) {
	cfg := testConfig(t)
	f, transport := mockFetcher(cfg)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	transport.RegisterResponder("GET", "https://cdn.example/a.jpg", imageResponder("image/jpeg", []byte("jpegdata")))
	transport.RegisterResponder("GET", "https://cdn.example/img?id=2", imageResponder("image/png", png))
	transport.RegisterResponder("GET", "https://cdn.example/raw/3", imageResponder("", png))
	transport.RegisterResponder("GET", "https://cdn.example/raw/4", imageResponder("", []byte("hello")))

	c := NewCoordinator(f, cfg, nil)
	summary, err := c.DownloadAll(context.Background(), refs(
		remote(1, "https://cdn.example/a.jpg", "a"),
		remote(2, "https://cdn.example/img?id=2", "b"),
		remote(3, "https://cdn.example/raw/3", "c"),
		remote(4, "https://cdn.example/raw/4", "d"),
	), Request{Product: "Linen Shirt", MaxThreads: 2})
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	want := []string{"1:saved::a.jpg", "2:saved::b.png", "3:saved::c.png", "4:saved::d.jpg"}
	if got := baseNames(summary); !slices.Equal(got, want) {
		t.Fatalf("results = %v, want %v", got, want)
	}
	if summary.Folder != filepath.Join(cfg.OutputDir, "Linen_Shirt") {
		t.Fatalf("folder = %q", summary.Folder)
	}
	data, err := os.ReadFile(filepath.Join(summary.Folder, "a.jpg"))
	if err != nil || string(data) != "jpegdata" {
		t.Fatalf("a.jpg = %q, %v", data, err)
	}
}

func TestDownloadAllRetriesThenFails(t *testing.T) {
	cfg := testConfig(t)
	f, transport := mockFetcher(cfg)
	transport.RegisterResponder("GET", "https://cdn.example/a.jpg", imageResponder("image/jpeg", []byte("a")))
	transport.RegisterResponder("GET", "https://cdn.example/b.jpg", httpmock.NewStringResponder(http.StatusNotFound, ""))
	transport.RegisterResponder("GET", "https://cdn.example/c.jpg", imageResponder("image/jpeg", []byte("c")))

	c := NewCoordinator(f, cfg, nil)
	summary, err := c.DownloadAll(context.Background(), refs(
		remote(1, "https://cdn.example/a.jpg", "a"),
		remote(2, "https://cdn.example/b.jpg", "b"),
		remote(3, "https://cdn.example/c.jpg", "c"),
	), Request{Product: "Mug"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if summary.Attempted != 3 || summary.Saved != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	failed := summary.Results[1]
	if failed.Outcome != models.Failed || failed.Attempts != 3 || !strings.Contains(failed.Error, "404") {
		t.Fatalf("failed result = %+v", failed)
	}
	if got := transport.GetCallCountInfo()["GET https://cdn.example/b.jpg"]; got != 3 {
		t.Fatalf("404 requested %d times, want 3", got)
	}
}

func TestDownloadAllInlineBase64(t *testing.T) {
	cfg := testConfig(t)
	f, _ := mockFetcher(cfg)
	raw := bytes.Repeat([]byte{0x00, 0xff, 0x10, 0x80}, 257)

	c := NewCoordinator(f, cfg, nil)
	summary, err := c.DownloadAll(context.Background(), refs(
		models.ImageReference{Index: 1, Kind: models.InlineBase64, MediaType: "image/png", Payload: base64.StdEncoding.EncodeToString(raw), SuggestedName: "swatch"},
		models.ImageReference{Index: 2, Kind: models.InlineBase64, MediaType: "image/png", Payload: "%%%", SuggestedName: "broken"},
	), Request{Product: "Mug"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	saved := summary.Results[0]
	if saved.Outcome != models.Saved || saved.Bytes != int64(len(raw)) || filepath.Ext(saved.Path) != ".png" {
		t.Fatalf("inline result = %+v", saved)
	}
	data, err := os.ReadFile(saved.Path)
	if err != nil || !bytes.Equal(data, raw) {
		t.Fatalf("inline bytes differ: len %d err %v", len(data), err)
	}

	broken := summary.Results[1]
	if broken.Outcome != models.Failed || !strings.Contains(broken.Error, "decode") {
		t.Fatalf("broken result = %+v", broken)
	}
}

func TestDownloadAllDuplicatesAndCollisions(t *testing.T) {
	cfg := testConfig(t)
	f, transport := mockFetcher(cfg)
	transport.RegisterResponder("GET", `=~^https://cdn\.example/`, imageResponder("image/jpeg", []byte("x")))

	c := NewCoordinator(f, cfg, nil)
	summary, err := c.DownloadAll(context.Background(), refs(
		remote(1, "https://cdn.example/1.jpg", "Shirt"),
		remote(2, "https://cdn.example/2.jpg", "Shirt"),
		remote(3, "https://cdn.example/1.jpg", "Shirt"),
		remote(4, "https://cdn.example/3.jpg", "shirt"),
	), Request{Product: "Shirt"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	want := []string{"1:saved::Shirt.jpg", "2:saved::Shirt_1.jpg", "3:skipped:duplicate:.", "4:saved::shirt_2.jpg"}
	if got := baseNames(summary); !slices.Equal(got, want) {
		t.Fatalf("results = %v, want %v", got, want)
	}
	if got := transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("expected 3 requests, duplicate must not be fetched, got %d", got)
	}
}

func TestDownloadAllIdempotent(t *testing.T) {
	cfg := testConfig(t)
	f, transport := mockFetcher(cfg)
	transport.RegisterResponder("GET", `=~^https://cdn\.example/`, imageResponder("image/jpeg", []byte("v1")))

	list := []models.ImageReference{
		remote(1, "https://cdn.example/a.jpg", "a"),
		remote(2, "https://cdn.example/b.jpg", "b"),
	}
	first, err := NewCoordinator(f, cfg, nil).DownloadAll(context.Background(), slices.Values(list), Request{Product: "Hat"})
	if err != nil || first.Saved != 2 {
		t.Fatalf("first run: %+v, %v", first, err)
	}

	skipCfg := *cfg
	skipCfg.ExistingPolicy = config.ExistingSkip
	second, err := NewCoordinator(f, &skipCfg, nil).DownloadAll(context.Background(), slices.Values(list), Request{Product: "Hat"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	want := []string{"1:skipped:already_exists:a.jpg", "2:skipped:already_exists:b.jpg"}
	if got := baseNames(second); !slices.Equal(got, want) {
		t.Fatalf("skip policy results = %v, want %v", got, want)
	}

	transport.RegisterResponder("GET", `=~^https://cdn\.example/`, imageResponder("image/jpeg", []byte("v2")))
	third, err := NewCoordinator(f, cfg, nil).DownloadAll(context.Background(), slices.Values(list), Request{Product: "Hat"})
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	want = []string{"1:saved::a_1.jpg", "2:saved::b_1.jpg"}
	if got := baseNames(third); !slices.Equal(got, want) {
		t.Fatalf("suffix policy results = %v, want %v", got, want)
	}

	for _, name := range []string{"a.jpg", "b.jpg"} {
		data, err := os.ReadFile(filepath.Join(first.Folder, name))
		if err != nil || string(data) != "v1" {
			t.Fatalf("%s overwritten: %q %v", name, data, err)
		}
	}
}

func TestDownloadAllPoolSizeDoesNotChangeResults(t *testing.T) {
	var list []models.ImageReference
	for i := 1; i <= 12; i++ {
		name := fmt.Sprintf("img%d", i%4)
		list = append(list, remote(i, fmt.Sprintf("https://cdn.example/%d.jpg", i), name))
	}
	list = append(list, remote(13, "https://cdn.example/missing.jpg", "img0"))
	list = append(list, remote(14, "https://cdn.example/3.jpg", "dup"))

	run := func(threads int) []string {
		cfg := testConfig(t)
		cfg.MaxAttempts = 1
		f, transport := mockFetcher(cfg)
		transport.RegisterResponder("GET", "https://cdn.example/missing.jpg", httpmock.NewStringResponder(http.StatusNotFound, ""))
		transport.RegisterResponder("GET", `=~^https://cdn\.example/\d+\.jpg`, imageResponder("image/jpeg", []byte("x")))
		summary, err := NewCoordinator(f, cfg, nil).DownloadAll(context.Background(), slices.Values(list), Request{Product: "Set", MaxThreads: threads})
		if err != nil {
			t.Fatalf("threads=%d: %v", threads, err)
		}
		return baseNames(summary)
	}

	one, eight := run(1), run(8)
	if !slices.Equal(one, eight) {
		t.Fatalf("results differ:\n1: %v\n8: %v", one, eight)
	}
}

func TestDownloadAllProgress(t *testing.T) {
	cfg := testConfig(t)
	f, transport := mockFetcher(cfg)
	transport.RegisterResponder("GET", `=~^https://cdn\.example/`, imageResponder("image/jpeg", []byte("x")))

	var calls []int
	c := NewCoordinator(f, cfg, nil)
	c.OnProgress(func(completed, total int, _ models.DownloadResult) {
		if total != 5 {
			t.Errorf("total = %d", total)
		}
		calls = append(calls, completed)
	})
	var list []models.ImageReference
	for i := 1; i <= 5; i++ {
		list = append(list, remote(i, fmt.Sprintf("https://cdn.example/%d.jpg", i), fmt.Sprintf("n%d", i)))
	}
	if _, err := c.DownloadAll(context.Background(), slices.Values(list), Request{Product: "P", MaxThreads: 3}); err != nil {
		t.Fatalf("download: %v", err)
	}
	if !slices.Equal(calls, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("progress calls = %v", calls)
	}
}

func TestDownloadAllEmpty(t *testing.T) {
	cfg := testConfig(t)
	f, _ := mockFetcher(cfg)
	summary, err := NewCoordinator(f, cfg, nil).DownloadAll(context.Background(), refs(), Request{Product: "Nothing"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if summary.Attempted != 0 || len(summary.Results) != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, err := os.Stat(summary.Folder); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("empty run must not create the folder: %v", err)
	}
}

type fakeFetcher struct {
	calls  atomic.Int32
	stream func(ctx context.Context, rawURL string, handle func(*http.Response) error) error
}

func (f *fakeFetcher) Stream(ctx context.Context, rawURL string, handle func(*http.Response) error) error {
	f.calls.Add(1)
	return f.stream(ctx, rawURL, handle)
}

func bodyResponse(r io.Reader) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(r)}
}

func TestDownloadAllGracefulCancel(t *testing.T) {
	cfg := testConfig(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{stream: func(ctx context.Context, rawURL string, handle func(*http.Response) error) error {
		if strings.HasSuffix(rawURL, "/a.jpg") {
			close(started)
			<-release
		}
		return handle(bodyResponse(strings.NewReader("img")))
	}}

	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(f, cfg, nil)

	done := make(chan *models.ScrapeSummary)
	go func() {
		summary, err := c.DownloadAll(ctx, refs(
			remote(1, "https://cdn.example/a.jpg", "a"),
			remote(2, "https://cdn.example/b.jpg", "b"),
			remote(3, "https://cdn.example/c.jpg", "c"),
		), Request{Product: "P", MaxThreads: 1})
		if err != nil {
			t.Errorf("download: %v", err)
		}
		done <- summary
	}()

	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	summary := <-done

	want := []string{"1:saved::a.jpg", "2:skipped:cancelled:.", "3:skipped:cancelled:."}
	if got := baseNames(summary); !slices.Equal(got, want) {
		t.Fatalf("results = %v, want %v", got, want)
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}
}

func TestCoordinatorSnapshotDuringRun(t *testing.T) {
	cfg := testConfig(t)
	release := make(chan struct{})
	f := &fakeFetcher{stream: func(ctx context.Context, rawURL string, handle func(*http.Response) error) error {
		if strings.HasSuffix(rawURL, "/c.jpg") {
			<-release
		}
		return handle(bodyResponse(strings.NewReader("img")))
	}}

	c := NewCoordinator(f, cfg, nil)
	if _, ok := c.Snapshot(); ok {
		t.Fatalf("expected no snapshot before the run")
	}

	done := make(chan *models.ScrapeSummary)
	go func() {
		summary, err := c.DownloadAll(context.Background(), refs(
			remote(1, "https://cdn.example/a.jpg", "a"),
			remote(2, "https://cdn.example/b.jpg", "b"),
			remote(3, "https://cdn.example/c.jpg", "c"),
		), Request{Product: "P", MaxThreads: 1})
		if err != nil {
			t.Errorf("download: %v", err)
		}
		done <- summary
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, ok := c.Snapshot()
		if ok && snap.Saved == 2 {
			if snap.Attempted != 2 || len(snap.Results) != 2 {
				t.Fatalf("mid-run snapshot = %+v", snap)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never reached two saved results: %+v", snap)
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	summary := <-done

	final, ok := c.Snapshot()
	if !ok || final.Saved != 3 || final.FinishedAt.IsZero() {
		t.Fatalf("final snapshot = %+v", final)
	}
	if final.Saved != summary.Saved || len(final.Results) != len(summary.Results) {
		t.Fatalf("snapshot %+v differs from summary %+v", final, summary)
	}
}

func TestDownloadAllCancelledBeforeStart(t *testing.T) {
	cfg := testConfig(t)
	f, transport := mockFetcher(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := NewCoordinator(f, cfg, nil).DownloadAll(ctx, refs(
		remote(1, "https://cdn.example/a.jpg", "a"),
		remote(2, "https://cdn.example/b.jpg", "b"),
	), Request{Product: "P"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if summary.Skipped != 2 || summary.Results[0].Reason != models.ReasonCancelled {
		t.Fatalf("summary = %+v", summary)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatal("no request expected after cancellation")
	}
}

type stallingReader struct {
	ctx     context.Context
	stalled chan struct{}
	once    sync.Once
	sent    bool
}

func (r *stallingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	r.once.Do(func() { close(r.stalled) })
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func TestDownloadAllAbort(t *testing.T) {
	cfg := testConfig(t)
	stalled := make(chan struct{})
	f := &fakeFetcher{stream: func(ctx context.Context, rawURL string, handle func(*http.Response) error) error {
		return handle(bodyResponse(&stallingReader{ctx: ctx, stalled: stalled}))
	}}
	c := NewCoordinator(f, cfg, nil)

	done := make(chan *models.ScrapeSummary)
	go func() {
		summary, err := c.DownloadAll(context.Background(), refs(
			remote(1, "https://cdn.example/a.jpg", "a"),
			remote(2, "https://cdn.example/b.jpg", "b"),
		), Request{Product: "P", MaxThreads: 1})
		if err != nil {
			t.Errorf("download: %v", err)
		}
		done <- summary
	}()

	<-stalled
	c.Abort()

	select {
	case summary := <-done:
		want := []string{"1:skipped:aborted:.", "2:skipped:aborted:."}
		if got := baseNames(summary); !slices.Equal(got, want) {
			t.Fatalf("results = %v, want %v", got, want)
		}
		entries, _ := os.ReadDir(summary.Folder)
		if len(entries) != 0 {
			t.Fatalf("partial files left: %v", entries)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not interrupt the download")
	}
}

func TestDownloadAllDiskErrorNotRetried(t *testing.T) {
	cfg := testConfig(t)
	folder := filepath.Join(cfg.OutputDir, "P")
	f := &fakeFetcher{stream: func(ctx context.Context, rawURL string, handle func(*http.Response) error) error {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(folder, "a.jpg"), []byte("other"), 0o644); err != nil {
			return err
		}
		return handle(bodyResponse(strings.NewReader("img")))
	}}

	summary, err := NewCoordinator(f, cfg, nil).DownloadAll(context.Background(), refs(
		remote(1, "https://cdn.example/a.jpg", "a"),
	), Request{Product: "P"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	res := summary.Results[0]
	if res.Outcome != models.Failed || res.Attempts != 1 || !strings.Contains(res.Error, "disk") {
		t.Fatalf("result = %+v", res)
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("disk errors must not be retried, fetches = %d", got)
	}
}
