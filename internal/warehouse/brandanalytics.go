package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"spapi-etl/internal/reports"
)

var sqpUpsert = upsert{
	table: "sp_sqp_data",
	columns: []string{
		"marketplace_code", "period_type", "period_start", "period_end", "child_asin", "search_query",
		"search_query_score", "search_query_volume", "total_query_impressions", "asin_impressions",
		"asin_impression_share", "total_clicks", "asin_clicks", "asin_click_share",
		"total_cart_adds", "asin_cart_adds", "total_purchases", "asin_purchases", "asin_purchase_share",
		"asin_median_purchase_price", "currency_code", "pull_id", "updated_at",
	},
	conflict: []string{"marketplace_code", "period_type", "period_start", "child_asin", "search_query"},
}

// UpsertSearchQueryRows writes SQP rows for period.
func (w *DB) UpsertSearchQueryRows(ctx context.Context, marketplace string, period reports.Period, rows []reports.SearchQueryRow, pullID string) (int, error) {
	now := w.now().UTC()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		if r.ASIN == "" || r.SearchQuery == "" {
			continue
		}
		var price *float64
		var currency any
		if r.ASINMedianPurchasePrice != nil {
			price = &r.ASINMedianPurchasePrice.Amount
			currency = nullString(r.ASINMedianPurchasePrice.CurrencyCode)
		}
		out = append(out, []any{
			marketplace, string(period.Type), period.Start, period.End, r.ASIN, r.SearchQuery,
			r.SearchQueryScore, r.SearchQueryVolume, r.TotalQueryImpressions, r.ASINImpressions,
			r.ASINImpressionShare, r.TotalClicks, r.ASINClicks, r.ASINClickShare,
			r.TotalCartAdds, r.ASINCartAdds, r.TotalPurchases, r.ASINPurchases, r.ASINPurchaseShare,
			price, currency, nullString(pullID), now,
		})
	}
	return w.exec(ctx, sqpUpsert, out)
}

var scpUpsert = upsert{
	table: "sp_scp_data",
	columns: []string{
		"marketplace_code", "period_type", "period_start", "period_end", "child_asin",
		"impressions", "clicks", "click_rate", "cart_adds", "purchases", "conversion_rate",
		"search_traffic_sales", "currency_code", "pull_id", "updated_at",
	},
	conflict: []string{"marketplace_code", "period_type", "period_start", "child_asin"},
}

// UpsertCatalogRows writes SCP rows for period.
func (w *DB) UpsertCatalogRows(ctx context.Context, marketplace string, period reports.Period, rows []reports.CatalogRow, pullID string) (int, error) {
	now := w.now().UTC()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		if r.ASIN == "" {
			continue
		}
		var sales *float64
		var currency any
		if r.SearchTrafficSales != nil {
			sales = &r.SearchTrafficSales.Amount
			currency = nullString(r.SearchTrafficSales.CurrencyCode)
		}
		out = append(out, []any{
			marketplace, string(period.Type), period.Start, period.End, r.ASIN,
			r.ImpressionCount, r.ClickCount, r.ClickRate, r.CartAddCount, r.PurchaseCount, r.ConversionRate,
			sales, currency, nullString(pullID), now,
		})
	}
	return w.exec(ctx, scpUpsert, out)
}

var searchTermsUpsert = upsert{
	table: "sp_search_terms",
	columns: []string{
		"marketplace_code", "period_type", "period_start", "period_end",
		"department_name", "search_term", "clicked_asin", "search_frequency_rank",
		"clicked_item_name", "click_share_rank", "click_share", "conversion_share",
		"pull_id", "updated_at",
	},
	conflict: []string{"marketplace_code", "period_type", "period_start", "department_name", "search_term", "clicked_asin"},
}

// UpsertSearchTerms writes matched search terms rows for period. Search
// terms are stored lowercased so they join with SQP queries.
func (w *DB) UpsertSearchTerms(ctx context.Context, marketplace string, period reports.Period, rows []reports.SearchTermRow, pullID string) (int, error) {
	now := w.now().UTC()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			marketplace, string(period.Type), period.Start, period.End,
			r.DepartmentName, strings.ToLower(strings.TrimSpace(r.SearchTerm)), r.ClickedASIN, r.SearchFrequencyRank,
			nullString(r.ClickedItemName), r.ClickShareRank, r.ClickShare, r.ConversionShare,
			nullString(pullID), now,
		})
	}
	return w.exec(ctx, searchTermsUpsert, out)
}

// ActiveASINs returns the child ASINs of marketplace that sold or had
// traffic since since, sorted.
func (w *DB) ActiveASINs(ctx context.Context, marketplace string, since time.Time) ([]string, error) {
	return w.queryStrings(ctx, `
	SELECT DISTINCT child_asin FROM sp_daily_asin_data
	WHERE marketplace_code = $1 AND date >= $2 AND (units_ordered > 0 OR sessions > 0)
	ORDER BY child_asin`, marketplace, since)
}

// SearchQueryKeywords returns the distinct lowercased SQP search queries of
// marketplace, used to filter the search terms report.
func (w *DB) SearchQueryKeywords(ctx context.Context, marketplace string) ([]string, error) {
	return w.queryStrings(ctx, `
	SELECT DISTINCT lower(search_query) FROM sp_sqp_data
	WHERE marketplace_code = $1`, marketplace)
}

func (w *DB) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query warehouse: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
