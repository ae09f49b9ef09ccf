package reports

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"spapi-etl/internal/spapi"

	"go.uber.org/zap"
)

const (
	fbaInventoryPath = "/fba/inventory/v1/summaries"
	awdInventoryPath = "/awd/2024-05-09/inventory"

	// AWDPageSize is the largest page the AWD API serves.
	AWDPageSize = 200
	// maxInventoryPages stops a paging loop whose token never runs out.
	maxInventoryPages = 1000
)

const FBAInventoryReportType = "GET_FBA_MYI_UNSUPPRESSED_INVENTORY_DATA"

// InventoryAPI reads the paged FBA Inventory and AWD endpoints of one
// region. Calls go through the region client, so they share its limiter.
type InventoryAPI struct {
	client  Doer
	baseURL string
	logger  *zap.Logger
}

// NewInventoryAPI creates an inventory reader calling baseURL through client.
func NewInventoryAPI(client Doer, baseURL string, logger *zap.Logger) *InventoryAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryAPI{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.Named("inventory"),
	}
}

// FBAInventory is one SKU of a marketplace inventory snapshot.
type FBAInventory struct {
	SKU         string
	ASIN        string
	FNSKU       string
	ProductName string
	Condition   string

	Fulfillable        int
	Reserved           int
	InboundWorking     int
	InboundShipped     int
	InboundReceiving   int
	Unsellable         int
	Researching        int
	PendingCustomer    int
	PendingTransship   int
	FCProcessing       int
	CustomerDamaged    int
	WarehouseDamaged   int
	DistributorDamaged int
	CarrierDamaged     int
	Defective          int
	Expired            int

	// FulfillableLocal and FulfillableRemote split Fulfillable between
	// same-marketplace and cross-border fulfilment centres. Only the
	// inventory report carries them.
	FulfillableLocal  *int
	FulfillableRemote *int
}

type inventorySummary struct {
	ASIN        string `json:"asin"`
	FNSKU       string `json:"fnSku"`
	SellerSKU   string `json:"sellerSku"`
	Condition   string `json:"condition"`
	ProductName string `json:"productName"`
	Details     struct {
		Fulfillable      int `json:"fulfillableQuantity"`
		InboundWorking   int `json:"inboundWorkingQuantity"`
		InboundShipped   int `json:"inboundShippedQuantity"`
		InboundReceiving int `json:"inboundReceivingQuantity"`
		Reserved         struct {
			Total            int `json:"totalReservedQuantity"`
			PendingCustomer  int `json:"pendingCustomerOrderQuantity"`
			PendingTransship int `json:"pendingTransshipmentQuantity"`
			FCProcessing     int `json:"fcProcessingQuantity"`
		} `json:"reservedQuantity"`
		Unfulfillable struct {
			Total              int `json:"totalUnfulfillableQuantity"`
			CustomerDamaged    int `json:"customerDamagedQuantity"`
			WarehouseDamaged   int `json:"warehouseDamagedQuantity"`
			DistributorDamaged int `json:"distributorDamagedQuantity"`
			CarrierDamaged     int `json:"carrierDamagedQuantity"`
			Defective          int `json:"defectiveQuantity"`
			Expired            int `json:"expiredQuantity"`
		} `json:"unfulfillableQuantity"`
		Researching struct {
			Total int `json:"totalResearchingQuantity"`
		} `json:"researchingQuantity"`
	} `json:"inventoryDetails"`
}

func (s inventorySummary) row() FBAInventory {
	d := s.Details
	return FBAInventory{
		SKU:                s.SellerSKU,
		ASIN:               s.ASIN,
		FNSKU:              s.FNSKU,
		ProductName:        s.ProductName,
		Condition:          s.Condition,
		Fulfillable:        d.Fulfillable,
		Reserved:           d.Reserved.Total,
		InboundWorking:     d.InboundWorking,
		InboundShipped:     d.InboundShipped,
		InboundReceiving:   d.InboundReceiving,
		Unsellable:         d.Unfulfillable.Total,
		Researching:        d.Researching.Total,
		PendingCustomer:    d.Reserved.PendingCustomer,
		PendingTransship:   d.Reserved.PendingTransship,
		FCProcessing:       d.Reserved.FCProcessing,
		CustomerDamaged:    d.Unfulfillable.CustomerDamaged,
		WarehouseDamaged:   d.Unfulfillable.WarehouseDamaged,
		DistributorDamaged: d.Unfulfillable.DistributorDamaged,
		CarrierDamaged:     d.Unfulfillable.CarrierDamaged,
		Defective:          d.Unfulfillable.Defective,
		Expired:            d.Unfulfillable.Expired,
	}
}

// FBAInventory returns every inventory summary of mp, following nextToken
// until the last page. Summaries without a seller SKU are dropped.
func (api *InventoryAPI) FBAInventory(ctx context.Context, mp Marketplace) ([]FBAInventory, error) {
	var out []FBAInventory
	err := api.paginate(ctx, "fba inventory", func(ctx context.Context, token string) (string, error) {
		q := url.Values{
			"granularityType": {"Marketplace"},
			"granularityId":   {mp.ID},
			"marketplaceIds":  {mp.ID},
			"details":         {"true"},
		}
		if token != "" {
			q.Set("nextToken", token)
		}
		resp, err := api.client.Do(ctx, spapi.Request{
			Method:   http.MethodGet,
			URL:      api.baseURL + fbaInventoryPath,
			Category: spapi.CategoryInventory,
			Query:    q,
		})
		if err != nil {
			return "", err
		}
		var page struct {
			Payload struct {
				Summaries []inventorySummary `json:"inventorySummaries"`
				NextToken string             `json:"nextToken"`
			} `json:"payload"`
			Pagination struct {
				NextToken string `json:"nextToken"`
			} `json:"pagination"`
		}
		if err := resp.DecodeJSON(&page); err != nil {
			return "", err
		}
		for _, s := range page.Payload.Summaries {
			if s.SellerSKU == "" {
				continue
			}
			out = append(out, s.row())
		}
		if page.Pagination.NextToken != "" {
			return page.Pagination.NextToken, nil
		}
		return page.Payload.NextToken, nil
	})
	if err != nil {
		return nil, err
	}
	api.logger.Info("FBA inventory read", zap.String("marketplace", mp.Code), zap.Int("skus", len(out)))
	return out, nil
}

// AWDInventory is one SKU held in Amazon Warehousing and Distribution.
type AWDInventory struct {
	SKU           string
	OnHand        int
	Inbound       int
	Available     int
	Reserved      int
	TotalQuantity int
}

// AWDInventory returns the AWD inventory of the region. AWD is not
// marketplace scoped.
func (api *InventoryAPI) AWDInventory(ctx context.Context) ([]AWDInventory, error) {
	var out []AWDInventory
	err := api.paginate(ctx, "awd inventory", func(ctx context.Context, token string) (string, error) {
		q := url.Values{
			"maxResults": {strconv.Itoa(AWDPageSize)},
			"details":    {"SHOW"},
		}
		if token != "" {
			q.Set("nextToken", token)
		}
		resp, err := api.client.Do(ctx, spapi.Request{
			Method:   http.MethodGet,
			URL:      api.baseURL + awdInventoryPath,
			Category: spapi.CategoryAWD,
			Query:    q,
		})
		if err != nil {
			return "", err
		}
		var page struct {
			Inventory []struct {
				SKU     string `json:"sku"`
				OnHand  int    `json:"totalOnhandQuantity"`
				Inbound int    `json:"totalInboundQuantity"`
				Details struct {
					Available int `json:"availableDistributableQuantity"`
					Reserved  int `json:"reservedDistributableQuantity"`
				} `json:"inventoryDetails"`
			} `json:"inventory"`
			NextToken string `json:"nextToken"`
		}
		if err := resp.DecodeJSON(&page); err != nil {
			return "", err
		}
		for _, item := range page.Inventory {
			if item.SKU == "" {
				continue
			}
			out = append(out, AWDInventory{
				SKU:           item.SKU,
				OnHand:        item.OnHand,
				Inbound:       item.Inbound,
				Available:     item.Details.Available,
				Reserved:   item.Details.Reserved,
				TotalQuantity: item.OnHand + item.Inbound,
			})
		}
		return page.NextToken, nil
	})
	if err != nil {
		return nil, err
	}
	api.logger.Info("AWD inventory read", zap.Int("skus", len(out)))
	return out, nil
}

// paginate calls page with the previous page's token until it returns an
// empty one. A token that repeats is an error.
func (api *InventoryAPI) paginate(ctx context.Context, what string, page func(ctx context.Context, token string) (string, error)) error {
	seen := make(map[string]bool)
	token := ""
	for n := 1; ; n++ {
		if n > maxInventoryPages {
			return fmt.Errorf("%s: more than %d pages", what, maxInventoryPages)
		}
		next, err := page(ctx, token)
		if err != nil {
			return fmt.Errorf("%s page %d: %w", what, n, err)
		}
		api.logger.Debug("Inventory page read", zap.String("api", what), zap.Int("page", n))
		if next == "" {
			return nil
		}
		if seen[next] {
			return fmt.Errorf("%s page %d: next token repeats", what, n)
		}
		seen[next] = true
		token = next
	}
}

// FBAInventoryRequest builds the unsuppressed inventory snapshot request.
// The report takes no date range.
func FBAInventoryRequest(mp Marketplace) CreateRequest {
	return CreateRequest{
		ReportType:     FBAInventoryReportType,
		MarketplaceIDs: []string{mp.ID},
	}
}

// ParseFBAInventoryReport converts unsuppressed inventory report rows. The
// report counts cross-border stock as fulfillable, which the inventory API
// does not.
func ParseFBAInventoryReport(rows []map[string]string) []FBAInventory {
	out := make([]FBAInventory, 0, len(rows))
	for _, row := range rows {
		sku := row["sku"]
		if sku == "" {
			continue
		}
		out = append(out, FBAInventory{
			SKU:               sku,
			ASIN:              row["asin"],
			FNSKU:             row["fnsku"],
			ProductName:       row["product-name"],
			Condition:         row["condition"],
			Fulfillable:       flatQuantity(row["afn-fulfillable-quantity"]),
			Reserved:          flatQuantity(row["afn-reserved-quantity"]),
			InboundWorking:    flatQuantity(row["afn-inbound-working-quantity"]),
			InboundShipped:    flatQuantity(row["afn-inbound-shipped-quantity"]),
			InboundReceiving:  flatQuantity(row["afn-inbound-receiving-quantity"]),
			Unsellable:        flatQuantity(row["afn-unsellable-quantity"]),
			Researching:       flatQuantity(row["afn-researching-quantity"]),
			FulfillableLocal:  parseFlatInt(row["afn-fulfillable-quantity-local"]),
			FulfillableRemote: parseFlatInt(row["afn-fulfillable-quantity-remote"]),
		})
	}
	return out
}

func flatQuantity(s string) int {
	if v := parseFlatInt(s); v != nil {
		return *v
	}
	return 0
}
