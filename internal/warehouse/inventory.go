package warehouse

import (
	"context"
	"time"

	"spapi-etl/internal/reports"
)

var fbaInventoryUpsert = upsert{
	table: "sp_fba_inventory",
	columns: []string{
		"date", "marketplace_code", "sku", "asin", "fnsku", "product_name", "condition",
		"fulfillable_quantity", "reserved_quantity", "inbound_working_quantity", "inbound_shipped_quantity",
		"inbound_receiving_quantity", "unsellable_quantity", "researching_quantity",
		"pending_customer_order_qty", "pending_transshipment_qty", "fc_processing_qty",
		"customer_damaged_qty", "warehouse_damaged_qty", "distributor_damaged_qty", "carrier_damaged_qty",
		"defective_qty", "expired_qty", "fulfillable_quantity_local", "fulfillable_quantity_remote",
		"pull_id", "updated_at",
	},
	conflict: []string{"date", "marketplace_code", "sku"},
}

// UpsertFBAInventory writes the inventory snapshot of marketplace taken on
// date.
func (w *DB) UpsertFBAInventory(ctx context.Context, marketplace string, date time.Time, rows []reports.FBAInventory, pullID string) (int, error) {
	now := w.now().UTC()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		if r.SKU == "" {
			continue
		}
		out = append(out, []any{
			date, marketplace, r.SKU, nullString(r.ASIN), nullString(r.FNSKU), nullString(r.ProductName), nullString(r.Condition),
			r.Fulfillable, r.Reserved, r.InboundWorking, r.InboundShipped,
			r.InboundReceiving, r.Unsellable, r.Researching,
			r.PendingCustomer, r.PendingTransship, r.FCProcessing,
			r.CustomerDamaged, r.WarehouseDamaged, r.DistributorDamaged, r.CarrierDamaged,
			r.Defective, r.Expired, r.FulfillableLocal, r.FulfillableRemote,
			nullString(pullID), now,
		})
	}
	return w.exec(ctx, fbaInventoryUpsert, out)
}

var awdInventoryUpsert = upsert{
	table: "sp_awd_inventory",
	columns: []string{
		"date", "marketplace_code", "sku", "total_onhand_quantity", "total_inbound_quantity",
		"available_quantity", "reserved_quantity", "pull_id", "updated_at",
	},
	conflict: []string{"date", "marketplace_code", "sku"},
}

// UpsertAWDInventory writes an AWD snapshot. AWD is regional, so rows are
// booked against the region's primary marketplace.
func (w *DB) UpsertAWDInventory(ctx context.Context, marketplace string, date time.Time, rows []reports.AWDInventory, pullID string) (int, error) {
	now := w.now().UTC()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			date, marketplace, r.SKU, r.OnHand, r.Inbound,
			r.Available, r.Reserved, nullString(pullID), now,
		})
	}
	return w.exec(ctx, awdInventoryUpsert, out)
}

var feeEstimatesUpsert = upsert{
	table: "sp_fba_fee_estimates",
	columns: []string{
		"pull_date", "marketplace_code", "sku", "asin", "fnsku", "product_name",
		"your_price", "sales_price", "product_size_tier", "currency_code",
		"estimated_fee_total", "estimated_referral_fee_per_unit", "estimated_variable_closing_fee",
		"estimated_pick_pack_fee_per_unit", "estimated_weight_handling_fee_per_unit",
		"longest_side", "median_side", "shortest_side", "length_and_girth", "unit_of_dimension",
		"item_package_weight", "unit_of_weight", "pull_id", "updated_at",
	},
	conflict: []string{"pull_date", "marketplace_code", "sku"},
}

// UpsertFeeEstimates writes the fee estimates of marketplace pulled on date.
func (w *DB) UpsertFeeEstimates(ctx context.Context, marketplace string, date time.Time, rows []reports.FeeEstimate, pullID string) (int, error) {
	now := w.now().UTC()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			date, marketplace, r.SKU, nullString(r.ASIN), nullString(r.FNSKU), nullString(r.ProductName),
			r.YourPrice, r.SalesPrice, nullString(r.ProductSizeTier), nullString(r.CurrencyCode),
			r.EstimatedFeeTotal, r.ReferralFeePerUnit, r.VariableClosingFee,
			r.PickPackFeePerUnit, r.WeightHandlingFee,
			r.LongestSide, r.MedianSide, r.ShortestSide, r.LengthAndGirth, nullString(r.UnitOfDimension),
			r.ItemPackageWeight, nullString(r.UnitOfWeight), nullString(pullID), now,
		})
	}
	return w.exec(ctx, feeEstimatesUpsert, out)
}

var storageFeesUpsert = upsert{
	table: "sp_storage_fees",
	columns: []string{
		"month", "marketplace_code", "sku", "asin", "fnsku", "product_name",
		"storage_type", "product_size_tier", "average_quantity_on_hand", "average_quantity_pending_removal",
		"estimated_monthly_storage_fee", "currency_code", "pull_id", "updated_at",
	},
	conflict: []string{"month", "marketplace_code", "sku"},
}

// UpsertStorageFees writes the storage charges of marketplace for the
// month starting at month.
func (w *DB) UpsertStorageFees(ctx context.Context, marketplace string, month time.Time, rows []reports.StorageFee, pullID string) (int, error) {
	now := w.now().UTC()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			month, marketplace, r.SKU, nullString(r.ASIN), nullString(r.FNSKU), nullString(r.ProductName),
			nullString(r.StorageType), nullString(r.ProductSizeTier), r.AverageQuantityOnHand, r.AverageQuantityPending,
			r.EstimatedMonthlyFee, nullString(r.CurrencyCode), nullString(pullID), now,
		})
	}
	return w.exec(ctx, storageFeesUpsert, out)
}
