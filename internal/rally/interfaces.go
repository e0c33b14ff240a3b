package rally

import (
	"context"
	"io"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Transport issues a single GET and returns the response for any status
// code. An error means no response was obtained at all.
type Transport interface {
	Do(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Rotator changes the egress identity. Implementations never fail the
// caller; an empty target lets the rotator pick one.
type Rotator interface {
	Rotate(ctx context.Context, target string) error
}

// Fetcher retrieves a URL and returns a parsed page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// Extractor reads candidate records from a document. Implementations are
// best-effort and skip malformed units instead of failing.
type Extractor interface {
	RallyLinks(doc *goquery.Document, baseURL string) []RallyLink
	ResultRows(doc *goquery.Document) []RawResultRow
}

// PageReconciler persists all rows of one rally page in a single transaction.
type PageReconciler interface {
	ReconcilePage(ctx context.Context, rallyName string, season int, rows []RawResultRow) (PageResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
