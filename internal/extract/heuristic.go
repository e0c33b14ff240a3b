// Package extract turns fetched results pages into loosely typed records.
package extract

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/rallyscraper/internal/rally"
)

const resultsMarker = "/results/"

// Heuristic implements rally.Extractor with CSS-selector rules tuned for the
// results site. Anything that does not look like a rally link or a result
// row is skipped.
type Heuristic struct {
	logger *zap.Logger
}

// NewHeuristic creates a new extractor.
func NewHeuristic(logger *zap.Logger) *Heuristic {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heuristic{logger: logger}
}

// RallyLinks returns the rallies linked from a season page, in document
// order, without duplicate URLs.
func (h *Heuristic) RallyLinks(doc *goquery.Document, baseURL string) []rally.RallyLink {
	if doc == nil {
		return nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		h.logger.Warn("invalid base url", zap.String("base_url", baseURL), zap.Error(err))
		base = nil
	}

	seen := make(map[string]struct{})
	var links []rally.RallyLink
	doc.Find(`a[href*="` + resultsMarker + `"]`).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if !strings.Contains(href, resultsMarker) || strings.Count(href, "/") < 2 {
			return
		}
		name := cleanText(sel.Text())
		if len(name) <= 2 {
			return
		}
		full, ok := resolve(base, href)
		if !ok {
			return
		}
		if _, dup := seen[full]; dup {
			return
		}
		seen[full] = struct{}{}
		links = append(links, rally.RallyLink{
			Name: name,
			URL:  full,
			Slug: slugOf(href),
		})
	})
	return links
}

// ResultRows returns every plausible result row across all tables on the
// page. The first row of each table is treated as the header.
func (h *Heuristic) ResultRows(doc *goquery.Document) []rally.RawResultRow {
	if doc == nil {
		return nil
	}
	var rows []rally.RawResultRow
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		table.Find("tr").Each(func(i int, tr *goquery.Selection) {
			if i == 0 {
				return
			}
			row, ok, err := readRow(tr)
			if err != nil {
				h.logger.Debug("skipping unreadable row", zap.Error(err))
				return
			}
			if ok {
				rows = append(rows, row)
			}
		})
	})
	return rows
}

func readRow(tr *goquery.Selection) (row rally.RawResultRow, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("row panic: %v", r)
			ok = false
		}
	}()

	cells := tr.Find("td")
	if cells.Length() < 4 {
		return rally.RawResultRow{}, false, nil
	}

	driverCell := cells.Eq(1)
	driver := cleanText(driverCell.Find("a").First().Text())
	if driver == "" {
		driver = cleanText(driverCell.Text())
	}
	if len([]rune(driver)) < 2 {
		return rally.RawResultRow{}, false, nil
	}

	return rally.RawResultRow{
		Position: parsePosition(cleanText(cells.Eq(0).Text())),
		Driver:   driver,
		Codriver: optionalCell(cells, 2),
		Team:     optionalCell(cells, 3),
		Elapsed:  optionalCell(cells, 4),
	}, true, nil
}

// parsePosition accepts only plain ASCII digits; "0" and anything like
// "DNF" or "12." yield nil.
func parsePosition(text string) *int {
	if text == "" {
		return nil
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return nil
		}
	}
	n, err := strconv.Atoi(text)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

func optionalCell(cells *goquery.Selection, idx int) *string {
	if idx >= cells.Length() {
		return nil
	}
	text := cleanText(cells.Eq(idx).Text())
	if text == "" {
		return nil
	}
	return &text
}

func resolve(base *url.URL, href string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	if base == nil || ref.IsAbs() {
		return ref.String(), true
	}
	return base.ResolveReference(ref).String(), true
}

func slugOf(href string) string {
	idx := strings.LastIndex(href, resultsMarker)
	slug := href[idx+len(resultsMarker):]
	if q := strings.IndexAny(slug, "?#"); q >= 0 {
		slug = slug[:q]
	}
	return strings.TrimRight(slug, "/")
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
