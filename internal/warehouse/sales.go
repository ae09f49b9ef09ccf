package warehouse

import (
	"context"
	"fmt"
	"time"

	"spapi-etl/internal/reports"

	"go.uber.org/zap"
)

// Data sources of sp_daily_asin_data rows.
const (
	SourceSalesTraffic = "sales_traffic"
	SourceOrders       = "orders"
)

var asinDataUpsert = upsert{
	table: "sp_daily_asin_data",
	columns: []string{
		"date", "marketplace_code", "child_asin", "parent_asin", "data_source",
		"units_ordered", "units_ordered_b2b", "ordered_product_sales", "ordered_product_sales_b2b",
		"currency_code", "total_order_items", "total_order_items_b2b",
		"sessions", "sessions_b2b", "page_views", "page_views_b2b",
		"browser_sessions", "mobile_app_sessions", "browser_page_views", "mobile_app_page_views",
		"buy_box_percentage", "buy_box_percentage_b2b", "unit_session_percentage", "unit_session_percentage_b2b",
		"pull_id", "updated_at",
	},
	conflict: []string{"date", "marketplace_code", "child_asin"},
}

// UpsertSalesTraffic writes the per-ASIN rows of a sales and traffic report.
func (w *DB) UpsertSalesTraffic(ctx context.Context, marketplace string, date time.Time, report *reports.SalesTrafficReport, pullID string) (int, error) {
	currency := report.Currency()
	now := w.now().UTC()

	rows := make([][]any, 0, len(report.ByASIN))
	for _, a := range report.ByASIN {
		if a.ChildASIN == "" {
			continue
		}
		s, t := a.Sales, a.Traffic
		rows = append(rows, []any{
			date, marketplace, a.ChildASIN, nullString(a.ParentASIN), SourceSalesTraffic,
			s.UnitsOrdered, s.UnitsOrderedB2B, s.OrderedProductSales.Amount, s.OrderedProductSalesB2B.Amount,
			currency, s.TotalOrderItems, s.TotalOrderItemsB2B,
			t.Sessions, t.SessionsB2B, t.PageViews, t.PageViewsB2B,
			t.BrowserSessions, t.MobileAppSessions, t.BrowserPageViews, t.MobileAppPageViews,
			t.BuyBoxPercentage, t.BuyBoxPercentageB2B, t.UnitSessionPercentage, t.UnitSessionPercentageB2B,
			nullString(pullID), now,
		})
	}
	return w.exec(ctx, asinDataUpsert, rows)
}

var totalsUpsert = upsert{
	table: "sp_daily_totals",
	columns: []string{
		"date", "marketplace_code",
		"units_ordered", "units_ordered_b2b", "ordered_product_sales", "ordered_product_sales_b2b",
		"currency_code", "total_order_items", "total_order_items_b2b",
		"sessions", "sessions_b2b", "page_views", "page_views_b2b",
		"buy_box_percentage", "unit_session_percentage",
		"pull_id", "updated_at",
	},
	conflict: []string{"date", "marketplace_code"},
}

// UpsertDailyTotals writes the account-level totals of a single-day report.
// It reports false when the report carries no date section.
func (w *DB) UpsertDailyTotals(ctx context.Context, marketplace string, date time.Time, report *reports.SalesTrafficReport, pullID string) (bool, error) {
	if len(report.ByDate) == 0 {
		return false, nil
	}
	d := report.ByDate[0]
	s, t := d.Sales, d.Traffic
	currency := s.OrderedProductSales.CurrencyCode
	if currency == "" {
		currency = "USD"
	}

	_, err := w.exec(ctx, totalsUpsert, [][]any{{
		date, marketplace,
		s.UnitsOrdered, s.UnitsOrderedB2B, s.OrderedProductSales.Amount, s.OrderedProductSalesB2B.Amount,
		currency, s.TotalOrderItems, s.TotalOrderItemsB2B,
		t.Sessions, t.SessionsB2B, t.PageViews, t.PageViewsB2B,
		t.BuyBoxPercentage, t.UnitSessionPercentage,
		nullString(pullID), w.now().UTC(),
	}})
	return err == nil, err
}

// SalesTrafficASINs returns the child ASINs that already have sales and
// traffic data for marketplace on date.
func (w *DB) SalesTrafficASINs(ctx context.Context, marketplace string, date time.Time) (map[string]bool, error) {
	rows, err := w.db.QueryContext(ctx, `
	SELECT child_asin FROM sp_daily_asin_data
	WHERE marketplace_code = $1 AND date = $2 AND data_source = $3`,
		marketplace, date, SourceSalesTraffic)
	if err != nil {
		return nil, fmt.Errorf("list sales_traffic asins: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var asin string
		if err := rows.Scan(&asin); err != nil {
			return nil, err
		}
		out[asin] = true
	}
	return out, rows.Err()
}

var ordersUpsert = upsert{
	table: "sp_daily_asin_data",
	columns: []string{
		"date", "marketplace_code", "child_asin", "data_source",
		"units_ordered", "ordered_product_sales", "total_order_items", "currency_code",
		"pull_id", "updated_at",
	},
	conflict: []string{"date", "marketplace_code", "child_asin"},
	where:    "sp_daily_asin_data.data_source <> 'sales_traffic'",
}

// OrdersResult counts the outcome of UpsertOrders.
type OrdersResult struct {
	Written int
	Skipped int
}

// UpsertOrders writes order aggregates as data_source "orders". ASINs that
// already have sales and traffic data for the same marketplace and date are
// left alone; the comparison is per day and per ASIN only.
func (w *DB) UpsertOrders(ctx context.Context, marketplace string, date time.Time, aggs []reports.OrderAggregate, pullID string) (OrdersResult, error) {
	existing, err := w.SalesTrafficASINs(ctx, marketplace, date)
	if err != nil {
		return OrdersResult{}, err
	}

	var res OrdersResult
	now := w.now().UTC()
	rows := make([][]any, 0, len(aggs))
	for _, a := range aggs {
		if existing[a.ASIN] {
			res.Skipped++
			continue
		}
		rows = append(rows, []any{
			date, marketplace, a.ASIN, SourceOrders,
			a.UnitsOrdered, a.OrderedProductSales, a.TotalOrderItems, a.CurrencyCode,
			nullString(pullID), now,
		})
	}
	if res.Skipped > 0 {
		w.logger.Info("Skipped ASINs with sales and traffic data",
			zap.String("marketplace", marketplace),
			zap.String("date", date.Format(time.DateOnly)),
			zap.Int("skipped", res.Skipped))
	}

	res.Written, err = w.exec(ctx, ordersUpsert, rows)
	return res, err
}
