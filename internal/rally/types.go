package rally

import (
	"net/http"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// CrewStatus is the persisted participation status of a crew.
type CrewStatus string

// Crew status values written to the crews and overall_results tables.
const (
	StatusFinished CrewStatus = "finished"
	StatusRetired  CrewStatus = "retired"
)

// StatusFor derives the crew status from an overall position.
func StatusFor(position *int) CrewStatus {
	if position != nil && *position > 0 {
		return StatusFinished
	}
	return StatusRetired
}

// RallyLink is a rally discovered on a season listing page.
type RallyLink struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Slug string `json:"slug"`
}

// RawResultRow is one loosely parsed row of a results table. Optional cells
// are nil when absent or empty.
type RawResultRow struct {
	Position *int    `json:"position,omitempty"`
	Driver   string  `json:"driver"`
	Codriver *string `json:"codriver,omitempty"`
	Team     *string `json:"team,omitempty"`
	Elapsed  *string `json:"elapsed,omitempty"`
}

// Status returns the derived crew status for the row.
func (r RawResultRow) Status() CrewStatus {
	return StatusFor(r.Position)
}

// FetchRequest captures everything a Transport needs to issue a GET.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is what a Transport returns for a completed exchange,
// whatever the status code.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Page is a successfully fetched and parsed document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Doc        *goquery.Document
	FetchedAt  time.Time
}

// RowOutcome classifies what happened to a single reconciled row.
type RowOutcome string

// Row outcomes reported by the persistence layer.
const (
	RowPersisted     RowOutcome = "persisted"
	RowSkippedOrphan RowOutcome = "skipped_orphan"
	RowSkippedError  RowOutcome = "skipped_error"
)

// PageResult tallies row outcomes for one rally page.
type PageResult struct {
	Persisted int `json:"persisted"`
	Orphaned  int `json:"orphaned"`
	Failed    int `json:"failed"`
}

// Skipped returns the number of rows that were not persisted.
func (p PageResult) Skipped() int {
	return p.Orphaned + p.Failed
}

// Record adds one outcome to the tally.
func (p *PageResult) Record(outcome RowOutcome) {
	switch outcome {
	case RowPersisted:
		p.Persisted++
	case RowSkippedOrphan:
		p.Orphaned++
	default:
		p.Failed++
	}
}

// RallySyncedEvent is published once per processed rally.
type RallySyncedEvent struct {
	RunID      string    `json:"run_id"`
	Season     int       `json:"season"`
	Rally      string    `json:"rally"`
	Slug       string    `json:"slug"`
	URL        string    `json:"url"`
	Persisted  int       `json:"persisted"`
	Skipped    int       `json:"skipped"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
	SyncedAt   time.Time `json:"synced_at"`
}

// Attributes returns the message attributes used for subscription filters.
func (e RallySyncedEvent) Attributes() map[string]string {
	return map[string]string{
		"season": strconv.Itoa(e.Season),
		"run_id": e.RunID,
	}
}

// Summary reports the outcome of a full season run.
type Summary struct {
	RunID         string        `json:"run_id"`
	Season        int           `json:"season"`
	Rallies       int           `json:"rallies"`
	RalliesFailed int           `json:"rallies_failed"`
	Persisted     int           `json:"persisted"`
	Skipped       int           `json:"skipped"`
	Duration      time.Duration `json:"duration"`
}

// RunState is the lifecycle state of a season run.
type RunState string

// Run states reported through the progress snapshot.
const (
	RunIdle     RunState = "idle"
	RunRunning  RunState = "running"
	RunFinished RunState = "finished"
	RunCanceled RunState = "canceled"
)

// Progress is a point-in-time view of a season run.
type Progress struct {
	RunID         string    `json:"run_id,omitempty"`
	Season        int       `json:"season,omitempty"`
	State         RunState  `json:"state"`
	RalliesTotal  int       `json:"rallies_total"`
	RalliesDone   int       `json:"rallies_done"`
	RalliesFailed int       `json:"rallies_failed"`
	Persisted     int       `json:"persisted"`
	Skipped       int       `json:"skipped"`
	CurrentRally  string    `json:"current_rally,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}
