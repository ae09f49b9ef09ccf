package reports

import (
	"time"
)

const (
	FBAFeesReportType     = "GET_FBA_ESTIMATED_FBA_FEES_TXT_DATA"
	StorageFeesReportType = "GET_FBA_STORAGE_FEE_CHARGES_DATA"

	// feeEstimateLag is how far before now the fee estimate report may
	// start. Amazon rejects anything more recent.
	feeEstimateLag = 72 * time.Hour
)

// FBAFeesRequest builds the fee estimate request for mp. The report is a
// current snapshot; its start is pushed back to midnight UTC at least 72
// hours before now.
func FBAFeesRequest(mp Marketplace, now time.Time) CreateRequest {
	start := now.UTC().Add(-feeEstimateLag)
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	return CreateRequest{
		ReportType:     FBAFeesReportType,
		MarketplaceIDs: []string{mp.ID},
		DataStartTime:  start,
	}
}

// FeeEstimate is the current fee estimate of one SKU.
type FeeEstimate struct {
	SKU                string
	ASIN               string
	FNSKU              string
	ProductName        string
	ProductSizeTier    string
	CurrencyCode       string
	YourPrice          *float64
	SalesPrice         *float64
	EstimatedFeeTotal  *float64
	ReferralFeePerUnit *float64
	VariableClosingFee *float64
	PickPackFeePerUnit *float64
	WeightHandlingFee  *float64
	LongestSide        *float64
	MedianSide         *float64
	ShortestSide       *float64
	LengthAndGirth     *float64
	UnitOfDimension    string
	ItemPackageWeight  *float64
	UnitOfWeight       string
}

// ParseFeeEstimates converts fee estimate report rows. Rows without a SKU
// are dropped and a repeated SKU keeps its last row, in first-seen order.
func ParseFeeEstimates(rows []map[string]string) []FeeEstimate {
	index := make(map[string]int)
	var out []FeeEstimate
	for _, row := range rows {
		sku := row["sku"]
		if sku == "" {
			continue
		}
		pickPack := row["estimated-order-handling-fee-per-order"]
		if pickPack == "" {
			pickPack = row["estimated-pick-pack-fee-per-unit"]
		}
		fee := FeeEstimate{
			SKU:                sku,
			ASIN:               row["asin"],
			FNSKU:              row["fnsku"],
			ProductName:        row["product-name"],
			ProductSizeTier:    row["product-size-tier"],
			CurrencyCode:       row["currency"],
			YourPrice:          parseFlatFloat(row["your-price"]),
			SalesPrice:         parseFlatFloat(row["sales-price"]),
			EstimatedFeeTotal:  parseFlatFloat(row["estimated-fee-total"]),
			ReferralFeePerUnit: parseFlatFloat(row["estimated-referral-fee-per-unit"]),
			VariableClosingFee: parseFlatFloat(row["estimated-variable-closing-fee"]),
			PickPackFeePerUnit: parseFlatFloat(pickPack),
			WeightHandlingFee:  parseFlatFloat(row["estimated-weight-handling-fee-per-unit"]),
			LongestSide:        parseFlatFloat(row["longest-side"]),
			MedianSide:         parseFlatFloat(row["median-side"]),
			ShortestSide:       parseFlatFloat(row["shortest-side"]),
			LengthAndGirth:     parseFlatFloat(row["length-and-girth"]),
			UnitOfDimension:    row["unit-of-dimension"],
			ItemPackageWeight:  parseFlatFloat(row["item-package-weight"]),
			UnitOfWeight:       row["unit-of-weight"],
		}
		if i, ok := index[sku]; ok {
			out[i] = fee
			continue
		}
		index[sku] = len(out)
		out = append(out, fee)
	}
	return out
}

// StorageFeesRequest builds the monthly storage fee request covering the
// calendar month of month.
func StorageFeesRequest(mp Marketplace, month time.Time) CreateRequest {
	start := MonthStart(month)
	return CreateRequest{
		ReportType:     StorageFeesReportType,
		MarketplaceIDs: []string{mp.ID},
		DataStartTime:  start,
		DataEndTime:    start.AddDate(0, 1, 0),
	}
}

// MonthStart returns the first day of t's month at midnight UTC.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// StorageFee is the monthly storage charge of one SKU.
type StorageFee struct {
	SKU                    string
	ASIN                   string
	FNSKU                  string
	ProductName            string
	StorageType            string
	ProductSizeTier        string
	AverageQuantityOnHand  *float64
	AverageQuantityPending *float64
	EstimatedMonthlyFee    *float64
	CurrencyCode           string
}

// ParseStorageFees converts storage fee report rows. The report uses
// underscores in its headers. Rows without a SKU are dropped.
func ParseStorageFees(rows []map[string]string) []StorageFee {
	out := make([]StorageFee, 0, len(rows))
	for _, row := range rows {
		sku := row["sku"]
		if sku == "" {
			continue
		}
		storageType := row["dangerous_goods_storage_type"]
		if storageType == "" {
			storageType = row["storage_type"]
		}
		out = append(out, StorageFee{
			SKU:                    sku,
			ASIN:                   row["asin"],
			FNSKU:                  row["fnsku"],
			ProductName:            row["product_name"],
			StorageType:            storageType,
			ProductSizeTier:        row["product_size_tier"],
			AverageQuantityOnHand:  parseFlatFloat(row["average_quantity_on_hand"]),
			AverageQuantityPending: parseFlatFloat(row["average_quantity_pending_removal"]),
			EstimatedMonthlyFee:    parseFlatFloat(row["estimated_monthly_storage_fee"]),
			CurrencyCode:           row["currency"],
		})
	}
	return out
}
