package reports

import (
	"encoding/json"
	"fmt"
	"time"
)

const SalesTrafficReportType = "GET_SALES_AND_TRAFFIC_REPORT"

// SalesTrafficRequest builds a single-day, child-ASIN sales and traffic
// report request.
func SalesTrafficRequest(mp Marketplace, date time.Time) CreateRequest {
	return CreateRequest{
		ReportType:     SalesTrafficReportType,
		MarketplaceIDs: []string{mp.ID},
		DataStartTime:  date,
		DataEndTime:    date,
		Options: map[string]string{
			"dateGranularity": "DAY",
			"asinGranularity": "CHILD",
		},
	}
}

// SalesMetrics are the sales counters shared by the ASIN and date sections.
type SalesMetrics struct {
	UnitsOrdered           int   `json:"unitsOrdered"`
	UnitsOrderedB2B        int   `json:"unitsOrderedB2B"`
	OrderedProductSales    Money `json:"orderedProductSales"`
	OrderedProductSalesB2B Money `json:"orderedProductSalesB2B"`
	TotalOrderItems        int   `json:"totalOrderItems"`
	TotalOrderItemsB2B     int   `json:"totalOrderItemsB2B"`
}

// TrafficMetrics are the traffic counters shared by the ASIN and date sections.
type TrafficMetrics struct {
	Sessions                 int      `json:"sessions"`
	SessionsB2B              int      `json:"sessionsB2B"`
	PageViews                int      `json:"pageViews"`
	PageViewsB2B             int      `json:"pageViewsB2B"`
	BrowserSessions          int      `json:"browserSessions"`
	MobileAppSessions        int      `json:"mobileAppSessions"`
	BrowserPageViews         int      `json:"browserPageViews"`
	MobileAppPageViews       int      `json:"mobileAppPageViews"`
	BuyBoxPercentage         *float64 `json:"buyBoxPercentage"`
	BuyBoxPercentageB2B      *float64 `json:"buyBoxPercentageB2B"`
	UnitSessionPercentage    *float64 `json:"unitSessionPercentage"`
	UnitSessionPercentageB2B *float64 `json:"unitSessionPercentageB2B"`
}

// ASINSalesTraffic is one child ASIN of a sales and traffic report.
type ASINSalesTraffic struct {
	ParentASIN string         `json:"parentAsin"`
	ChildASIN  string         `json:"childAsin"`
	Sales      SalesMetrics   `json:"salesByAsin"`
	Traffic    TrafficMetrics `json:"trafficByAsin"`
}

// DateSalesTraffic is the account-level total for one day.
type DateSalesTraffic struct {
	Date    string         `json:"date"`
	Sales   SalesMetrics   `json:"salesByDate"`
	Traffic TrafficMetrics `json:"trafficByDate"`
}

// SalesTrafficReport is a decoded sales and traffic document.
type SalesTrafficReport struct {
	ByASIN []ASINSalesTraffic `json:"salesAndTrafficByAsin"`
	ByDate []DateSalesTraffic `json:"salesAndTrafficByDate"`
}

// ParseSalesTraffic decodes a sales and traffic document.
func ParseSalesTraffic(data []byte) (*SalesTrafficReport, error) {
	var r SalesTrafficReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode sales and traffic report: %w", err)
	}
	return &r, nil
}

// Currency returns the currency of the first ASIN, or USD.
func (r *SalesTrafficReport) Currency() string {
	if len(r.ByASIN) > 0 && r.ByASIN[0].Sales.OrderedProductSales.CurrencyCode != "" {
		return r.ByASIN[0].Sales.OrderedProductSales.CurrencyCode
	}
	if len(r.ByDate) > 0 && r.ByDate[0].Sales.OrderedProductSales.CurrencyCode != "" {
		return r.ByDate[0].Sales.OrderedProductSales.CurrencyCode
	}
	return "USD"
}
