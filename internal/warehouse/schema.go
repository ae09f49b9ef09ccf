package warehouse

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sp_api_pulls (
		id UUID PRIMARY KEY,
		pull_type TEXT NOT NULL,
		marketplace_code TEXT NOT NULL,
		pull_date DATE NOT NULL,
		period_end DATE NOT NULL,
		status TEXT NOT NULL,
		report_id TEXT,
		report_document_id TEXT,
		row_count INTEGER,
		error_message TEXT,
		processing_time_ms BIGINT,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		UNIQUE (pull_type, marketplace_code, pull_date)
	)`,
	`CREATE TABLE IF NOT EXISTS sp_daily_asin_data (
		date DATE NOT NULL,
		marketplace_code TEXT NOT NULL,
		child_asin TEXT NOT NULL,
		parent_asin TEXT,
		data_source TEXT NOT NULL,
		units_ordered INTEGER NOT NULL DEFAULT 0,
		units_ordered_b2b INTEGER NOT NULL DEFAULT 0,
		ordered_product_sales NUMERIC(14,2) NOT NULL DEFAULT 0,
		ordered_product_sales_b2b NUMERIC(14,2) NOT NULL DEFAULT 0,
		currency_code TEXT,
		total_order_items INTEGER NOT NULL DEFAULT 0,
		total_order_items_b2b INTEGER NOT NULL DEFAULT 0,
		sessions INTEGER NOT NULL DEFAULT 0,
		sessions_b2b INTEGER NOT NULL DEFAULT 0,
		page_views INTEGER NOT NULL DEFAULT 0,
		page_views_b2b INTEGER NOT NULL DEFAULT 0,
		browser_sessions INTEGER NOT NULL DEFAULT 0,
		mobile_app_sessions INTEGER NOT NULL DEFAULT 0,
		browser_page_views INTEGER NOT NULL DEFAULT 0,
		mobile_app_page_views INTEGER NOT NULL DEFAULT 0,
		buy_box_percentage NUMERIC(6,2),
		buy_box_percentage_b2b NUMERIC(6,2),
		unit_session_percentage NUMERIC(6,2),
		unit_session_percentage_b2b NUMERIC(6,2),
		pull_id UUID,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (date, marketplace_code, child_asin)
	)`,
	`CREATE TABLE IF NOT EXISTS sp_daily_totals (
		date DATE NOT NULL,
		marketplace_code TEXT NOT NULL,
		units_ordered INTEGER NOT NULL DEFAULT 0,
		units_ordered_b2b INTEGER NOT NULL DEFAULT 0,
		ordered_product_sales NUMERIC(14,2) NOT NULL DEFAULT 0,
		ordered_product_sales_b2b NUMERIC(14,2) NOT NULL DEFAULT 0,
		currency_code TEXT,
		total_order_items INTEGER NOT NULL DEFAULT 0,
		total_order_items_b2b INTEGER NOT NULL DEFAULT 0,
		sessions INTEGER NOT NULL DEFAULT 0,
		sessions_b2b INTEGER NOT NULL DEFAULT 0,
		page_views INTEGER NOT NULL DEFAULT 0,
		page_views_b2b INTEGER NOT NULL DEFAULT 0,
		buy_box_percentage NUMERIC(6,2),
		unit_session_percentage NUMERIC(6,2),
		pull_id UUID,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (date, marketplace_code)
	)`,
	`CREATE TABLE IF NOT EXISTS sp_sqp_data (
		marketplace_code TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_start DATE NOT NULL,
		period_end DATE NOT NULL,
		child_asin TEXT NOT NULL,
		search_query TEXT NOT NULL,
		search_query_score INTEGER,
		search_query_volume INTEGER,
		total_query_impressions INTEGER,
		asin_impressions INTEGER,
		asin_impression_share NUMERIC(8,4),
		total_clicks INTEGER,
		asin_clicks INTEGER,
		asin_click_share NUMERIC(8,4),
		total_cart_adds INTEGER,
		asin_cart_adds INTEGER,
		total_purchases INTEGER,
		asin_purchases INTEGER,
		asin_purchase_share NUMERIC(8,4),
		asin_median_purchase_price NUMERIC(14,2),
		currency_code TEXT,
		pull_id UUID,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (marketplace_code, period_type, period_start, child_asin, search_query)
	)`,
	`CREATE TABLE IF NOT EXISTS sp_scp_data (
		marketplace_code TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_start DATE NOT NULL,
		period_end DATE NOT NULL,
		child_asin TEXT NOT NULL,
		impressions INTEGER,
		clicks INTEGER,
		click_rate NUMERIC(8,4),
		cart_adds INTEGER,
		purchases INTEGER,
		conversion_rate NUMERIC(8,4),
		search_traffic_sales NUMERIC(14,2),
		currency_code TEXT,
		pull_id UUID,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (marketplace_code, period_type, period_start, child_asin)
	)`,
	`CREATE TABLE IF NOT EXISTS sp_search_terms (
		marketplace_code TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_start DATE NOT NULL,
		period_end DATE NOT NULL,
		department_name TEXT NOT NULL,
		search_term TEXT NOT NULL,
		clicked_asin TEXT NOT NULL,
		search_frequency_rank INTEGER,
		clicked_item_name TEXT,
		click_share_rank INTEGER,
		click_share NUMERIC(8,4),
		conversion_share NUMERIC(8,4),
		pull_id UUID,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (marketplace_code, period_type, period_start, department_name, search_term, clicked_asin)
	)`,
	`CREATE TABLE IF NOT EXISTS sp_reimbursements (
		marketplace_code TEXT NOT NULL,
		reimbursement_id TEXT NOT NULL,
		sku TEXT NOT NULL DEFAULT '',
		approval_date TIMESTAMPTZ,
		case_id TEXT,
		amazon_order_id TEXT,
		reason TEXT,
		fnsku TEXT,
		asin TEXT,
		product_name TEXT,
		condition TEXT,
		currency_unit TEXT,
		amount_per_unit NUMERIC(14,2),
		amount_total NUMERIC(14,2),
		quantity_reimbursed_cash INTEGER,
		quantity_reimbursed_inventory INTEGER,
		quantity_reimbursed_total INTEGER,
		original_reimbursement_id TEXT,
		original_reimbursement_type TEXT,
		pull_id UUID,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (reimbursement_id, sku)
	)`,
	`CREATE TABLE IF NOT EXISTS sp_fba_inventory (
		date DATE NOT NULL,
		marketplace_code TEXT NOT NULL,
		sku TEXT NOT NULL,
		asin TEXT,
		fnsku TEXT,
		product_name TEXT,
		condition TEXT,
		fulfillable_quantity INTEGER NOT NULL DEFAULT 0,
		reserved_quantity INTEGER NOT NULL DEFAULT 0,
		inbound_working_quantity INTEGER NOT NULL DEFAULT 0,
		inbound_shipped_quantity INTEGER NOT NULL DEFAULT 0,
		inbound_receiving_quantity INTEGER NOT NULL DEFAULT 0,
		unsellable_quantity INTEGER NOT NULL DEFAULT 0,
		researching_quantity INTEGER NOT NULL DEFAULT 0,
		pending_customer_order_qty INTEGER NOT NULL DEFAULT 0,
		pending_transshipment_qty INTEGER NOT NULL DEFAULT 0,
		fc_processing_qty INTEGER NOT NULL DEFAULT 0,
		customer_damaged_qty INTEGER NOT NULL DEFAULT 0,
		warehouse_damaged_qty INTEGER NOT NULL DEFAULT 0,
		distributor_damaged_qty INTEGER NOT NULL DEFAULT 0,
		carrier_damaged_qty INTEGER NOT NULL DEFAULT 0,
		defective_qty INTEGER NOT NULL DEFAULT 0,
		expired_qty INTEGER NOT NULL DEFAULT 0,
		fulfillable_quantity_local INTEGER,
		fulfillable_quantity_remote INTEGER,
		total_quantity INTEGER GENERATED ALWAYS AS (
			fulfillable_quantity + reserved_quantity + inbound_working_quantity
			+ inbound_shipped_quantity + inbound_receiving_quantity + unsellable_quantity
		) STORED,
		pull_id UUID,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (date, marketplace_code, sku)
	)`,
	`CREATE TABLE IF NOT EXISTS sp_awd_inventory (
		date DATE NOT NULL,
		marketplace_code TEXT NOT NULL,
		sku TEXT NOT NULL,
		total_onhand_quantity INTEGER NOT NULL DEFAULT 0,
		total_inbound_quantity INTEGER NOT NULL DEFAULT 0,
		available_quantity INTEGER NOT NULL DEFAULT 0,
		reserved_quantity INTEGER NOT NULL DEFAULT 0,
		total_quantity INTEGER GENERATED ALWAYS AS (total_onhand_quantity + total_inbound_quantity) STORED,
		pull_id UUID,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (date, marketplace_code, sku)
	)`,
	`CREATE TABLE IF NOT EXISTS sp_fba_fee_estimates (
		pull_date DATE NOT NULL,
		marketplace_code TEXT NOT NULL,
		sku TEXT NOT NULL,
		asin TEXT,
		fnsku TEXT,
		product_name TEXT,
		your_price NUMERIC(14,2),
		sales_price NUMERIC(14,2),
		product_size_tier TEXT,
		currency_code TEXT,
		estimated_fee_total NUMERIC(14,2),
		estimated_referral_fee_per_unit NUMERIC(14,2),
		estimated_variable_closing_fee NUMERIC(14,2),
		estimated_pick_pack_fee_per_unit NUMERIC(14,2),
		estimated_weight_handling_fee_per_unit NUMERIC(14,2),
		longest_side NUMERIC(10,2),
		median_side NUMERIC(10,2),
		shortest_side NUMERIC(10,2),
		length_and_girth NUMERIC(10,2),
		unit_of_dimension TEXT,
		item_package_weight NUMERIC(10,3),
		unit_of_weight TEXT,
		pull_id UUID,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (pull_date, marketplace_code, sku)
	)`,
	`CREATE TABLE IF NOT EXISTS sp_storage_fees (
		month DATE NOT NULL,
		marketplace_code TEXT NOT NULL,
		sku TEXT NOT NULL,
		asin TEXT,
		fnsku TEXT,
		product_name TEXT,
		storage_type TEXT,
		product_size_tier TEXT,
		average_quantity_on_hand NUMERIC(14,4),
		average_quantity_pending_removal NUMERIC(14,4),
		estimated_monthly_storage_fee NUMERIC(14,4),
		currency_code TEXT,
		pull_id UUID,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (month, marketplace_code, sku)
	)`,
}

// Migrate creates the warehouse tables that do not exist yet.
func (w *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate warehouse: %w", err)
		}
	}
	return nil
}
