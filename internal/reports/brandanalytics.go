package reports

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	SQPReportType = "GET_BRAND_ANALYTICS_SEARCH_QUERY_PERFORMANCE_REPORT"
	SCPReportType = "GET_BRAND_ANALYTICS_SEARCH_CATALOG_PERFORMANCE_REPORT"

	// ASINCharLimit bounds the space-joined ASIN option of one request.
	ASINCharLimit = 200
)

// BatchASINs splits asins into groups whose space-joined form fits in limit
// characters. An ASIN longer than limit gets a batch of its own.
func BatchASINs(asins []string, limit int) [][]string {
	if limit <= 0 {
		limit = ASINCharLimit
	}

	var (
		batches [][]string
		current []string
		length  int
	)
	for _, asin := range asins {
		extra := len(asin)
		if len(current) > 0 {
			extra++
		}
		if length+extra > limit && len(current) > 0 {
			batches = append(batches, current)
			current, length = nil, 0
			extra = len(asin)
		}
		current = append(current, asin)
		length += extra
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// BrandAnalyticsRequest builds the creation request for an SQP or SCP batch.
// SQP takes the ASINs under "asin", SCP under "asins".
func BrandAnalyticsRequest(reportType string, marketplaceID string, period Period, asins []string) (CreateRequest, error) {
	joined := strings.Join(asins, " ")
	if len(joined) > ASINCharLimit {
		return CreateRequest{}, fmt.Errorf("asin option is %d characters, limit is %d", len(joined), ASINCharLimit)
	}

	key := "asins"
	if reportType == SQPReportType {
		key = "asin"
	}
	return CreateRequest{
		ReportType:     reportType,
		MarketplaceIDs: []string{marketplaceID},
		DataStartTime:  period.Start,
		DataEndTime:    period.End,
		Options: map[string]string{
			"reportPeriod": string(period.Type),
			key:            joined,
		},
	}, nil
}

// Money is an amount with its currency.
type Money struct {
	Amount       float64 `json:"amount"`
	CurrencyCode string  `json:"currencyCode"`
}

// SearchQueryRow is one (ASIN, search query) line of an SQP report.
type SearchQueryRow struct {
	ASIN                    string  `json:"-"`
	SearchQuery             string  `json:"searchQuery"`
	SearchQueryScore        int     `json:"searchQueryScore"`
	SearchQueryVolume       int     `json:"searchQueryVolume"`
	TotalQueryImpressions   int     `json:"totalQueryImpressionCount"`
	ASINImpressions         int     `json:"asinImpressionCount"`
	ASINImpressionShare     float64 `json:"asinImpressionShare"`
	TotalClicks             int     `json:"totalClickCount"`
	ASINClicks              int     `json:"asinClickCount"`
	ASINClickShare          float64 `json:"asinClickShare"`
	TotalCartAdds           int     `json:"totalCartAddCount"`
	ASINCartAdds            int     `json:"asinCartAddCount"`
	TotalPurchases          int     `json:"totalPurchaseCount"`
	ASINPurchases           int     `json:"asinPurchaseCount"`
	ASINPurchaseShare       float64 `json:"asinPurchaseShare"`
	ASINMedianPurchasePrice *Money  `json:"asinMedianPurchasePrice"`
}

// ParseSearchQueryPerformance flattens an SQP document into rows.
func ParseSearchQueryPerformance(data []byte) ([]SearchQueryRow, error) {
	var doc struct {
		ByASIN []sqpASIN `json:"searchQueryPerformanceByAsin"`
		Data   []sqpASIN `json:"dataByAsin"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode search query performance: %w", err)
	}
	entries := doc.ByASIN
	if len(entries) == 0 {
		entries = doc.Data
	}

	var rows []SearchQueryRow
	for _, e := range entries {
		asin := e.ASIN
		if asin == "" {
			asin = e.ChildASIN
		}
		queries := e.SearchQueryPerformance
		if len(queries) == 0 {
			queries = e.QueryPerformance
		}
		for _, q := range queries {
			q.ASIN = asin
			rows = append(rows, q)
		}
	}
	return rows, nil
}

type sqpASIN struct {
	ASIN                   string           `json:"asin"`
	ChildASIN              string           `json:"childAsin"`
	SearchQueryPerformance []SearchQueryRow `json:"searchQueryPerformance"`
	QueryPerformance       []SearchQueryRow `json:"queryPerformance"`
}

// CatalogRow is one ASIN line of an SCP report.
type CatalogRow struct {
	ASIN               string  `json:"asin"`
	ChildASIN          string  `json:"childAsin"`
	ImpressionCount    int     `json:"impressionCount"`
	ClickCount         int     `json:"clickCount"`
	ClickRate          float64 `json:"clickRate"`
	CartAddCount       int     `json:"cartAddCount"`
	PurchaseCount      int     `json:"purchaseCount"`
	ConversionRate     float64 `json:"conversionRate"`
	SearchTrafficSales *Money  `json:"searchTrafficSales"`
}

// ParseSearchCatalogPerformance decodes an SCP document.
func ParseSearchCatalogPerformance(data []byte) ([]CatalogRow, error) {
	var doc struct {
		ByASIN []CatalogRow `json:"searchCatalogPerformanceByAsin"`
		Data   []CatalogRow `json:"dataByAsin"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode search catalog performance: %w", err)
	}
	rows := doc.ByASIN
	if len(rows) == 0 {
		rows = doc.Data
	}
	for i := range rows {
		if rows[i].ASIN == "" {
			rows[i].ASIN = rows[i].ChildASIN
		}
	}
	return rows, nil
}
