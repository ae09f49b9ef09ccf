package reports

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SearchTermsReportType is the Brand Analytics search terms report.
const SearchTermsReportType = "GET_BRAND_ANALYTICS_SEARCH_TERMS_REPORT"

const (
	searchTermsKey = "dataByDepartmentAndSearchTerm"

	// DefaultFlushSize is the number of matched rows handed to the flush
	// callback at a time.
	DefaultFlushSize = 200
)

// SearchTermRow is one (department, search term, clicked ASIN) entry.
type SearchTermRow struct {
	DepartmentName      string  `json:"departmentName"`
	SearchTerm          string  `json:"searchTerm"`
	SearchFrequencyRank int     `json:"searchFrequencyRank"`
	ClickedASIN         string  `json:"clickedAsin"`
	ClickedItemName     string  `json:"clickedItemName"`
	ClickShareRank      int     `json:"clickShareRank"`
	ClickShare          float64 `json:"clickShare"`
	ConversionShare     float64 `json:"conversionShare"`
}

// StreamStats summarises one streaming scan.
type StreamStats struct {
	Scanned int
	Matched int
	Flushed int
}

// KeywordSet matches search terms case-insensitively after trimming.
type KeywordSet map[string]struct{}

// NewKeywordSet normalises keywords into a set. Blank entries are dropped.
func NewKeywordSet(keywords []string) KeywordSet {
	set := make(KeywordSet, len(keywords))
	for _, k := range keywords {
		if k = normaliseKeyword(k); k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// Contains reports whether term is in the set.
func (s KeywordSet) Contains(term string) bool {
	_, ok := s[normaliseKeyword(term)]
	return ok
}

func normaliseKeyword(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// StreamSearchTerms scans a search terms document without loading it,
// passing rows whose term is in keywords to flush in batches of batchSize.
// Memory stays bounded by one batch regardless of document size. When the
// scan fails, rows already matched are still flushed before the error is
// returned. The slice passed to flush is reused and must not be retained.
func StreamSearchTerms(r io.Reader, keywords KeywordSet, batchSize int, flush func([]SearchTermRow) (int, error)) (StreamStats, error) {
	if batchSize <= 0 {
		batchSize = DefaultFlushSize
	}

	var stats StreamStats
	batch := make([]SearchTermRow, 0, batchSize)
	drain := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := flush(batch)
		stats.Flushed += n
		batch = batch[:0]
		return err
	}

	scanErr := scanSearchTerms(r, func(row SearchTermRow) error {
		stats.Scanned++
		if !keywords.Contains(row.SearchTerm) {
			return nil
		}
		stats.Matched++
		batch = append(batch, row)
		if len(batch) >= batchSize {
			return drain()
		}
		return nil
	})

	flushErr := drain()
	if scanErr != nil {
		return stats, scanErr
	}
	return stats, flushErr
}

// scanSearchTerms walks the top-level object to the row array and decodes
// the rows one at a time.
func scanSearchTerms(r io.Reader, visit func(SearchTermRow) error) error {
	dec := json.NewDecoder(r)

	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read search terms key: %w", err)
		}
		key, _ := tok.(string)
		if key != searchTermsKey {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("skip %q: %w", key, err)
			}
			continue
		}

		if err := expectDelim(dec, '['); err != nil {
			return err
		}
		for dec.More() {
			var row SearchTermRow
			if err := dec.Decode(&row); err != nil {
				return fmt.Errorf("decode search term row: %w", err)
			}
			if err := visit(row); err != nil {
				return err
			}
		}
		return expectDelim(dec, ']')
	}
	return fmt.Errorf("search terms document has no %q array", searchTermsKey)
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("search terms document ended early: %w", io.ErrUnexpectedEOF)
		}
		return fmt.Errorf("read search terms document: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("search terms document: expected %q, got %v", want, tok)
	}
	return nil
}

// FilterSearchTerms decodes a whole document in memory and returns the rows
// matching keywords. Only for diagnostics: a full report needs gigabytes.
func FilterSearchTerms(data []byte, keywords KeywordSet) ([]SearchTermRow, StreamStats, error) {
	var doc struct {
		Rows []SearchTermRow `json:"dataByDepartmentAndSearchTerm"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, StreamStats{}, fmt.Errorf("decode search terms document: %w", err)
	}

	stats := StreamStats{Scanned: len(doc.Rows)}
	var out []SearchTermRow
	for _, row := range doc.Rows {
		if keywords.Contains(row.SearchTerm) {
			out = append(out, row)
		}
	}
	stats.Matched = len(out)
	return out, stats, nil
}

// SearchTermsRequest builds a search terms report request for period.
func SearchTermsRequest(mp Marketplace, period Period) CreateRequest {
	return CreateRequest{
		ReportType:     SearchTermsReportType,
		MarketplaceIDs: []string{mp.ID},
		DataStartTime:  period.Start,
		DataEndTime:    period.End,
		Options:        map[string]string{"reportPeriod": string(period.Type)},
	}
}
