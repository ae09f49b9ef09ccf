package warehouse

import (
	"context"

	"spapi-etl/internal/reports"
)

var reimbursementsUpsert = upsert{
	table: "sp_reimbursements",
	columns: []string{
		"marketplace_code", "reimbursement_id", "sku", "approval_date", "case_id", "amazon_order_id",
		"reason", "fnsku", "asin", "product_name", "condition", "currency_unit",
		"amount_per_unit", "amount_total", "quantity_reimbursed_cash", "quantity_reimbursed_inventory",
		"quantity_reimbursed_total", "original_reimbursement_id", "original_reimbursement_type",
		"pull_id", "updated_at",
	},
	conflict: []string{"reimbursement_id", "sku"},
}

// UpsertReimbursements writes reimbursement rows. Each row keeps the
// marketplace resolved from its currency.
func (w *DB) UpsertReimbursements(ctx context.Context, rows []reports.Reimbursement, pullID string) (int, error) {
	now := w.now().UTC()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		var approval any
		if r.ApprovalDate != nil {
			approval = *r.ApprovalDate
		}
		out = append(out, []any{
			r.MarketplaceCode, r.ReimbursementID, r.SKU, approval, nullString(r.CaseID), nullString(r.AmazonOrderID),
			nullString(r.Reason), nullString(r.FNSKU), nullString(r.ASIN), nullString(r.ProductName),
			nullString(r.Condition), nullString(r.CurrencyUnit),
			r.AmountPerUnit, r.AmountTotal, r.QuantityReimbursedCash, r.QuantityReimbursedInventory,
			r.QuantityReimbursedTotal, nullString(r.OriginalReimbursementID), nullString(r.OriginalReimbursementType),
			nullString(pullID), now,
		})
	}
	return w.exec(ctx, reimbursementsUpsert, out)
}
