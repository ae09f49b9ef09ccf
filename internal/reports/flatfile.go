package reports

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	OrdersReportType         = "GET_FLAT_FILE_ALL_ORDERS_DATA_BY_ORDER_DATE_GENERAL"
	ReimbursementsReportType = "GET_FBA_REIMBURSEMENTS_DATA"
)

// excludedOrderStatuses are dropped before aggregation. Pending orders are
// kept because sales and traffic counts them too.
var excludedOrderStatuses = map[string]bool{"Cancelled": true}

// ParseTSV reads a tab-separated flat file with a header line into one map
// per data row, keyed by header name.
func ParseTSV(r io.Reader) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read flat file header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []map[string]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, fmt.Errorf("read flat file line %d: %w", len(rows)+2, err)
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, row)
	}
}

// OrderAggregate is the per-ASIN roll-up of one day of order lines.
type OrderAggregate struct {
	ASIN                string
	UnitsOrdered        int
	OrderedProductSales float64
	TotalOrderItems     int
	CurrencyCode        string
}

// AggregateStats counts the lines dropped during aggregation.
type AggregateStats struct {
	Lines           int
	ChannelFiltered int
	Excluded        int
}

// AggregateOrders rolls order lines up per ASIN. Each line counts as one
// unit, item-price is summed and order ids are counted distinct. When
// salesChannel is set, lines from other channels are dropped.
func AggregateOrders(rows []map[string]string, salesChannel string) ([]OrderAggregate, AggregateStats) {
	type acc struct {
		units    int
		sales    float64
		orders   map[string]struct{}
		currency string
	}
	stats := AggregateStats{Lines: len(rows)}
	byASIN := make(map[string]*acc)

	for _, row := range rows {
		if salesChannel != "" {
			if ch := row["sales-channel"]; ch != "" && ch != salesChannel {
				stats.ChannelFiltered++
				continue
			}
		}
		if excludedOrderStatuses[row["order-status"]] {
			stats.Excluded++
			continue
		}
		asin := row["asin"]
		if asin == "" {
			continue
		}

		a, ok := byASIN[asin]
		if !ok {
			a = &acc{orders: make(map[string]struct{})}
			byASIN[asin] = a
		}
		a.units++
		if price, err := strconv.ParseFloat(row["item-price"], 64); err == nil {
			a.sales += price
		}
		if id := row["amazon-order-id"]; id != "" {
			a.orders[id] = struct{}{}
		}
		if a.currency == "" {
			a.currency = row["currency"]
		}
	}

	out := make([]OrderAggregate, 0, len(byASIN))
	for asin, a := range byASIN {
		currency := a.currency
		if currency == "" {
			currency = "USD"
		}
		out = append(out, OrderAggregate{
			ASIN:                asin,
			UnitsOrdered:        a.units,
			OrderedProductSales: math.Round(a.sales*100) / 100,
			TotalOrderItems:     len(a.orders),
			CurrencyCode:        currency,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ASIN < out[j].ASIN })
	return out, stats
}

// DefaultCurrencyMarketplaces resolves a reimbursement currency to the
// marketplace it is booked against. The report does not distinguish euro
// storefronts, so every EUR row lands on DE.
var DefaultCurrencyMarketplaces = map[string]string{
	"USD": "USA",
	"CAD": "CA",
	"MXN": "MX",
	"GBP": "UK",
	"EUR": "DE",
	"AED": "UAE",
	"AUD": "AU",
	"JPY": "JP",
}

// Reimbursement is one line of the FBA reimbursements report.
type Reimbursement struct {
	MarketplaceCode             string
	ApprovalDate                *time.Time
	ReimbursementID             string
	CaseID                      string
	AmazonOrderID               string
	Reason                      string
	SKU                         string
	FNSKU                       string
	ASIN                        string
	ProductName                 string
	Condition                   string
	CurrencyUnit                string
	AmountPerUnit               *float64
	AmountTotal                 *float64
	QuantityReimbursedCash      *int
	QuantityReimbursedInventory *int
	QuantityReimbursedTotal     *int
	OriginalReimbursementID     string
	OriginalReimbursementType   string
}

// ParseReimbursements converts flat file rows into reimbursements. The
// marketplace comes from currencies[currency-unit], falling back to
// fallback when the currency is unknown. Rows without a reimbursement id
// are dropped.
func ParseReimbursements(rows []map[string]string, currencies map[string]string, fallback string) []Reimbursement {
	if currencies == nil {
		currencies = DefaultCurrencyMarketplaces
	}
	out := make([]Reimbursement, 0, len(rows))
	for _, row := range rows {
		id := row["reimbursement-id"]
		if id == "" {
			continue
		}
		mp := fallback
		if code, ok := currencies[strings.ToUpper(row["currency-unit"])]; ok {
			mp = code
		}
		out = append(out, Reimbursement{
			MarketplaceCode:             mp,
			ApprovalDate:                parseFlatTime(row["approval-date"]),
			ReimbursementID:             id,
			CaseID:                      row["case-id"],
			AmazonOrderID:               row["amazon-order-id"],
			Reason:                      row["reason"],
			SKU:                         row["sku"],
			FNSKU:                       row["fnsku"],
			ASIN:                        row["asin"],
			ProductName:                 row["product-name"],
			Condition:                   row["condition"],
			CurrencyUnit:                row["currency-unit"],
			AmountPerUnit:               parseFlatFloat(row["amount-per-unit"]),
			AmountTotal:                 parseFlatFloat(row["amount-total"]),
			QuantityReimbursedCash:      parseFlatInt(row["quantity-reimbursed-cash"]),
			QuantityReimbursedInventory: parseFlatInt(row["quantity-reimbursed-inventory"]),
			QuantityReimbursedTotal:     parseFlatInt(row["quantity-reimbursed-total"]),
			OriginalReimbursementID:     row["original-reimbursement-id"],
			OriginalReimbursementType:   row["original-reimbursement-type"],
		})
	}
	return out
}

func parseFlatFloat(s string) *float64 {
	if s == "" || s == "N/A" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseFlatInt(s string) *int {
	if s == "" || s == "N/A" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

var flatTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05-07:00", "2006-01-02 15:04:05", time.DateOnly}

func parseFlatTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range flatTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// OrdersRequest builds the orders report request covering date in the
// marketplace's local timezone.
func OrdersRequest(mp Marketplace, date time.Time) CreateRequest {
	loc := mp.Location()
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	end := time.Date(date.Year(), date.Month(), date.Day(), 23, 59, 59, 0, loc)
	return CreateRequest{
		ReportType:     OrdersReportType,
		MarketplaceIDs: []string{mp.ID},
		DataStartTime:  start.UTC(),
		DataEndTime:    end.UTC(),
	}
}

// ReimbursementsRequest builds a reimbursements report request over
// [start, end].
func ReimbursementsRequest(mp Marketplace, start, end time.Time) CreateRequest {
	return CreateRequest{
		ReportType:     ReimbursementsReportType,
		MarketplaceIDs: []string{mp.ID},
		DataStartTime:  start,
		DataEndTime:    end,
	}
}
