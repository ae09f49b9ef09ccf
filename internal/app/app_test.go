package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"spapi-etl/internal/alerting"
	"spapi-etl/internal/checkpoint"
	"spapi-etl/internal/config"
	"spapi-etl/internal/metrics"
	"spapi-etl/internal/progress"
	"spapi-etl/internal/reports"
	"spapi-etl/internal/spapi"
	"spapi-etl/internal/warehouse"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testNow is 04:00 on 2024-03-11 in Los Angeles, so yesterday is
// 2024-03-10 for every NA marketplace.
var testNow = time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)

const caID = "A2EUQ1WTGCTBG2"

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(time.DateOnly, s)
	require.NoError(t, err)
	return d
}

// createCall is one createReport request seen by fakeAPI.
type createCall struct {
	ReportType    string
	MarketplaceID string
	Options       map[string]string
	DataStart     string
}

// fakeAPI serves the reports API: create, poll (always DONE), document and
// download. Documents are generated from the create call.
type fakeAPI struct {
	srv *httptest.Server

	mu      sync.Mutex
	calls   []createCall
	failed  int
	created map[string]createCall
	fail    func(createCall) bool

	inventoryCalls []string
	inventoryFail  map[string]bool
	awdCalls       int
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{created: make(map[string]createCall)}
	mux := http.NewServeMux()
	mux.HandleFunc("/reports/2021-06-30/reports", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ReportType     string            `json:"reportType"`
			MarketplaceIDs []string          `json:"marketplaceIds"`
			Options        map[string]string `json:"reportOptions"`
			DataStart      string            `json:"dataStartTime"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		call := createCall{ReportType: body.ReportType, Options: body.Options, DataStart: body.DataStart}
		if len(body.MarketplaceIDs) > 0 {
			call.MarketplaceID = body.MarketplaceIDs[0]
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail != nil && f.fail(call) {
			f.failed++
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"errors":[{"code":"InternalFailure"}]}`))
			return
		}
		f.calls = append(f.calls, call)
		id := fmt.Sprintf("R%d", len(f.created)+1)
		f.created[id] = call
		_ = json.NewEncoder(w).Encode(map[string]string{"reportId": id})
	})
	mux.HandleFunc("/reports/2021-06-30/reports/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/reports/2021-06-30/reports/")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"reportId":         id,
			"processingStatus": "DONE",
			"reportDocumentId": "D-" + id,
		})
	})
	mux.HandleFunc("/reports/2021-06-30/documents/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/reports/2021-06-30/documents/")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"reportDocumentId": id,
			"url":              f.srv.URL + "/download/" + id,
		})
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/download/"), "D-")
		f.mu.Lock()
		call, ok := f.created[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(documentFor(call)))
	})
	mux.HandleFunc("/fba/inventory/v1/summaries", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("marketplaceIds")
		f.mu.Lock()
		f.inventoryCalls = append(f.inventoryCalls, id)
		fail := f.inventoryFail[id]
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.URL.Query().Get("nextToken") == "" {
			_, _ = w.Write([]byte(inventoryFirstPage))
			return
		}
		_, _ = w.Write([]byte(inventoryLastPage))
	})
	mux.HandleFunc("/awd/2024-05-09/inventory", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.awdCalls++
		f.mu.Unlock()
		_, _ = w.Write([]byte(awdDocument))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// failInventory makes inventory API calls for marketplaceID answer 500.
func (f *fakeAPI) failInventory(marketplaceID string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inventoryFail == nil {
		f.inventoryFail = make(map[string]bool)
	}
	f.inventoryFail[marketplaceID] = fail
}

// inventoryMarketplaces returns the marketplace ids the inventory API was
// called for, one entry per page.
func (f *fakeAPI) inventoryMarketplaces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inventoryCalls...)
}

// failWhen makes create requests matching fn answer 500.
func (f *fakeAPI) failWhen(fn func(createCall) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

// failMarketplace fails the next n creates for marketplaceID, or all of
// them when n is negative.
func (f *fakeAPI) failMarketplace(marketplaceID string, n int) {
	f.failWhen(func(c createCall) bool {
		if c.MarketplaceID != marketplaceID || n == 0 {
			return false
		}
		if n > 0 {
			n--
		}
		return true
	})
}

// reset clears recorded calls and failures.
func (f *fakeAPI) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.failed = 0
	f.fail = nil
	f.inventoryCalls = nil
	f.inventoryFail = nil
	f.awdCalls = 0
}

// accepted returns the create calls that were answered with a report id.
func (f *fakeAPI) accepted() []createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]createCall(nil), f.calls...)
}

func (f *fakeAPI) failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

const (
	salesDocument = `{"salesAndTrafficByAsin":[` +
		`{"parentAsin":"P1","childAsin":"C1","salesByAsin":{"unitsOrdered":2,"orderedProductSales":{"amount":10.5,"currencyCode":"USD"}}},` +
		`{"parentAsin":"P1","childAsin":"C2"}],` +
		`"salesAndTrafficByDate":[{"date":"2024-03-10","salesByDate":{"unitsOrdered":2}}]}`
	sqpDocument   = `{"dataByAsin":[{"asin":"B000000001","searchQueryPerformance":[{"searchQuery":"q1"},{"searchQuery":"q2"}]}]}`
	scpDocument   = `{"dataByAsin":[{"asin":"B000000001","impressionCount":5}]}`
	termsDocument = `{"dataByDepartmentAndSearchTerm":[` +
		`{"searchTerm":"Foo","clickedAsin":"A1"},{"searchTerm":"other"},{"searchTerm":"bar","clickedAsin":"A2"}]}`
	ordersDocument = "amazon-order-id\tasin\titem-price\tcurrency\tsales-channel\torder-status\n" +
		"O1\tA1\t10.00\tUSD\tAmazon.com\tShipped\n" +
		"O2\tA1\t5.00\tUSD\tAmazon.com\tShipped\n" +
		"O3\tA2\t7.00\tUSD\tNon-Amazon\tShipped\n" +
		"O4\tA3\t3.00\tUSD\tAmazon.com\tCancelled\n"
	reimbursementsDocument = "reimbursement-id\tcurrency-unit\tamount-total\tasin\n" +
		"1\tUSD\t5.00\tA1\n" +
		"2\tCAD\t3.00\tA2\n" +
		"3\tXYZ\t1.00\tA3\n" +
		"\tUSD\t1.00\tA4\n"
	inventoryFirstPage = `{"payload":{"inventorySummaries":[` +
		`{"asin":"A1","sellerSku":"S1","inventoryDetails":{"fulfillableQuantity":4}},` +
		`{"asin":"A2","sellerSku":"S2"}]},"pagination":{"nextToken":"page-2"}}`
	inventoryLastPage       = `{"payload":{"inventorySummaries":[{"asin":"A3","sellerSku":"S3"}]}}`
	inventoryReportDocument = "sku\tasin\tafn-fulfillable-quantity\tafn-fulfillable-quantity-remote\n" +
		"S1\tA1\t9\t7\n"
	awdDocument = `{"inventory":[{"sku":"S1","totalOnhandQuantity":10,"totalInboundQuantity":2},` +
		`{"sku":"S2","totalOnhandQuantity":1}]}`
	feesDocument = "sku\tasin\testimated-fee-total\n" +
		"S1\tA1\t7.10\n" +
		"S2\tA2\t3.00\n"
	storageFeesDocument = "sku\tasin\testimated_monthly_storage_fee\tcurrency\n" +
		"S1\tA1\t1.25\tUSD\n"
)

func documentFor(call createCall) string {
	switch call.ReportType {
	case reports.SQPReportType:
		return sqpDocument
	case reports.SCPReportType:
		return scpDocument
	case reports.SearchTermsReportType:
		return termsDocument
	case reports.OrdersReportType:
		return ordersDocument
	case reports.ReimbursementsReportType:
		return reimbursementsDocument
	case reports.FBAInventoryReportType:
		return inventoryReportDocument
	case reports.FBAFeesReportType:
		return feesDocument
	case reports.StorageFeesReportType:
		return storageFeesDocument
	default:
		return salesDocument
	}
}

// fakeWarehouse keeps pulls and written rows in memory.
type fakeWarehouse struct {
	mu             sync.Mutex
	seq            int
	pulls          []*warehouse.Pull
	salesRows      int
	dailyTotals    int
	searchQuery    int
	catalog        int
	terms          []reports.SearchTermRow
	orders         []reports.OrderAggregate
	reimbursements []reports.Reimbursement
	inventory      map[string][]reports.FBAInventory
	awd            map[string][]reports.AWDInventory
	fees           map[string][]reports.FeeEstimate
	storageFees    map[string][]reports.StorageFee
	asins          []string
	keywords       []string
}

var pullEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func (w *fakeWarehouse) Migrate(context.Context) error { return nil }

func (w *fakeWarehouse) BeginPull(_ context.Context, key warehouse.PullKey) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	p := &warehouse.Pull{
		ID:          fmt.Sprintf("pull-%d", w.seq),
		PullType:    key.PullType,
		Marketplace: key.Marketplace,
		Date:        key.Date,
		Status:      warehouse.PullPending,
		StartedAt:   pullEpoch.Add(time.Duration(w.seq) * time.Second),
	}
	w.pulls = append(w.pulls, p)
	return p.ID, nil
}

func (w *fakeWarehouse) FinishPull(_ context.Context, id string, res warehouse.PullResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.pulls {
		if p.ID == id {
			p.Status = res.Status
			p.ReportID = res.ReportID
			p.DocumentID = res.DocumentID
			p.RowCount = res.RowCount
			p.Error = res.Error
			return nil
		}
	}
	return fmt.Errorf("pull %s not found", id)
}

// seed records a finished pull as an earlier run would have.
func (w *fakeWarehouse) seed(pullType, marketplace string, date time.Time, status string, rows int, errMsg string) {
	id, _ := w.BeginPull(context.Background(), warehouse.PullKey{PullType: pullType, Marketplace: marketplace, Date: date})
	_ = w.FinishPull(context.Background(), id, warehouse.PullResult{Status: status, RowCount: rows, Error: errMsg})
}

func (w *fakeWarehouse) LatestPull(_ context.Context, pullType, marketplace string, date time.Time) (*warehouse.Pull, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var latest *warehouse.Pull
	for _, p := range w.pulls {
		if p.PullType != pullType || p.Marketplace != marketplace || !p.Date.Equal(date) {
			continue
		}
		if latest == nil || p.StartedAt.After(latest.StartedAt) {
			cp := *p
			latest = &cp
		}
	}
	return latest, nil
}

func (w *fakeWarehouse) PullOutcomes(_ context.Context, pullType, marketplace string, from, to time.Time) ([]warehouse.Pull, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []warehouse.Pull
	for _, p := range w.pulls {
		if p.PullType == pullType && p.Marketplace == marketplace && !p.Date.Before(from) && !p.Date.After(to) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (w *fakeWarehouse) UpsertSalesTraffic(_ context.Context, _ string, _ time.Time, report *reports.SalesTrafficReport, _ string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.salesRows += len(report.ByASIN)
	return len(report.ByASIN), nil
}

func (w *fakeWarehouse) UpsertDailyTotals(_ context.Context, _ string, _ time.Time, report *reports.SalesTrafficReport, _ string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(report.ByDate) == 0 {
		return false, nil
	}
	w.dailyTotals++
	return true, nil
}

func (w *fakeWarehouse) UpsertOrders(_ context.Context, _ string, _ time.Time, aggs []reports.OrderAggregate, _ string) (warehouse.OrdersResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.orders = append(w.orders, aggs...)
	return warehouse.OrdersResult{Written: len(aggs)}, nil
}

func (w *fakeWarehouse) UpsertSearchQueryRows(_ context.Context, _ string, _ reports.Period, rows []reports.SearchQueryRow, _ string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.searchQuery += len(rows)
	return len(rows), nil
}

func (w *fakeWarehouse) UpsertCatalogRows(_ context.Context, _ string, _ reports.Period, rows []reports.CatalogRow, _ string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.catalog += len(rows)
	return len(rows), nil
}

func (w *fakeWarehouse) UpsertSearchTerms(_ context.Context, _ string, _ reports.Period, rows []reports.SearchTermRow, _ string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terms = append(w.terms, rows...)
	return len(rows), nil
}

func (w *fakeWarehouse) UpsertReimbursements(_ context.Context, rows []reports.Reimbursement, _ string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reimbursements = append(w.reimbursements, rows...)
	return len(rows), nil
}

func (w *fakeWarehouse) UpsertFBAInventory(_ context.Context, marketplace string, _ time.Time, rows []reports.FBAInventory, _ string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inventory == nil {
		w.inventory = make(map[string][]reports.FBAInventory)
	}
	w.inventory[marketplace] = append(w.inventory[marketplace], rows...)
	return len(rows), nil
}

func (w *fakeWarehouse) UpsertAWDInventory(_ context.Context, marketplace string, _ time.Time, rows []reports.AWDInventory, _ string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.awd == nil {
		w.awd = make(map[string][]reports.AWDInventory)
	}
	w.awd[marketplace] = append(w.awd[marketplace], rows...)
	return len(rows), nil
}

func (w *fakeWarehouse) UpsertFeeEstimates(_ context.Context, marketplace string, _ time.Time, rows []reports.FeeEstimate, _ string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fees == nil {
		w.fees = make(map[string][]reports.FeeEstimate)
	}
	w.fees[marketplace] = append(w.fees[marketplace], rows...)
	return len(rows), nil
}

func (w *fakeWarehouse) UpsertStorageFees(_ context.Context, marketplace string, _ time.Time, rows []reports.StorageFee, _ string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.storageFees == nil {
		w.storageFees = make(map[string][]reports.StorageFee)
	}
	w.storageFees[marketplace] = append(w.storageFees[marketplace], rows...)
	return len(rows), nil
}

func (w *fakeWarehouse) ActiveASINs(context.Context, string, time.Time) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.asins...), nil
}

func (w *fakeWarehouse) SearchQueryKeywords(context.Context, string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.keywords...), nil
}

func (w *fakeWarehouse) Close() error { return nil }

// recordingNotifier keeps every alert.
type recordingNotifier struct {
	mu        sync.Mutex
	failures  []alerting.Failure
	partials  []alerting.Partial
	summaries []alerting.Summary
	gaps      []alerting.GapReport
}

func (n *recordingNotifier) Failure(_ context.Context, ev alerting.Failure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, ev)
}

func (n *recordingNotifier) Partial(_ context.Context, ev alerting.Partial) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partials = append(n.partials, ev)
}

func (n *recordingNotifier) Summary(_ context.Context, ev alerting.Summary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, ev)
}

func (n *recordingNotifier) GapReport(_ context.Context, ev alerting.GapReport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gaps = append(n.gaps, ev)
}

// testSessions opens sessions with a static token against the fake API.
type testSessions struct {
	baseURL     string
	maxRetries  int
	validateErr error
	openErr     error
}

func (s *testSessions) Validate(string) error { return s.validateErr }

func (s *testSessions) Open(_ context.Context, region string) (*Session, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	cfg := spapi.Config{
		Region:     region,
		MaxRetries: spapi.Retries(s.maxRetries),
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Timeout:    5 * time.Second,
		RateLimits: map[spapi.Category]float64{
			spapi.CategoryDefault:      1000,
			spapi.CategoryReportCreate: 1000,
			spapi.CategoryReportGet:    1000,
			spapi.CategoryInventory:    1000,
			spapi.CategoryAWD:          1000,
		},
	}
	return NewSession(region, s.baseURL, spapi.StaticToken("tok"), cfg, zap.NewNop(), nil, nil), nil
}

type testEnv struct {
	app      *App
	cfg      *config.Config
	api      *fakeAPI
	wh       *fakeWarehouse
	notifier *recordingNotifier
	sessions *testSessions
	store    checkpoint.Store
	out      *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	api := newFakeAPI(t)

	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fast := config.Poll{Interval: time.Millisecond, MaxWait: time.Second}
	cfg := config.Default()
	cfg.Regions = []string{"NA"}
	cfg.Database.URL = "postgres://unused"
	cfg.Reports = config.Reports{Default: fast, BrandAnalytics: fast, SearchTerms: fast}

	env := &testEnv{
		cfg:      cfg,
		api:      api,
		wh:       &fakeWarehouse{},
		notifier: &recordingNotifier{},
		sessions: &testSessions{baseURL: api.srv.URL, maxRetries: 2},
		store:    store,
		out:      &bytes.Buffer{},
	}
	env.app = New(cfg, zap.NewNop(),
		WithWarehouse(env.wh),
		WithCheckpointStore(store),
		WithSessions(env.sessions),
		WithNotifier(env.notifier),
		WithMetrics(metrics.New()),
		WithOutput(env.out),
		WithClock(func() time.Time { return testNow }),
	)
	return env
}

func unitsByLabel(res Result) map[string]progress.UnitResult {
	out := make(map[string]progress.UnitResult, len(res.Units))
	for _, u := range res.Units {
		out[u.Unit] = u
	}
	return out
}

func TestRunSalesAbsorbsTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	env.api.failMarketplace(caID, 2)
	ctx := context.Background()

	res := env.app.RunSales(ctx, SalesOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, ExitOK, res.ExitCode())
	assert.Equal(t, "2024-03-10", res.Period)

	completed, failed, skipped := res.Counts()
	assert.Equal(t, 3, completed)
	assert.Zero(t, failed)
	assert.Zero(t, skipped)
	assert.Equal(t, 6, res.Rows)

	units := unitsByLabel(res)
	assert.Equal(t, 2, units["CA 2024-03-10"].Retries)
	assert.Zero(t, units["USA 2024-03-10"].Retries)
	assert.Zero(t, units["MX 2024-03-10"].Retries)

	assert.Len(t, env.api.accepted(), 3)
	assert.Equal(t, 2, env.api.failures())
	assert.Empty(t, env.notifier.failures)
	assert.Empty(t, env.notifier.partials)
	require.Len(t, env.notifier.summaries, 1)
	assert.Equal(t, 6, env.notifier.summaries[0].TotalRows)
	assert.Equal(t, 3, env.wh.dailyTotals)

	rec, err := env.store.Get(ctx, checkpoint.Key{PullType: warehouse.SourceSalesTraffic, Period: "2024-03-10", Region: "NA"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)
	assert.Equal(t, 6, rec.TotalRows)
	require.Contains(t, rec.Units, "CA 2024-03-10")
	assert.Equal(t, 2, rec.Units["CA 2024-03-10"].Retries)

	for _, code := range []string{"USA", "CA", "MX"} {
		p, err := env.wh.LatestPull(ctx, warehouse.SourceSalesTraffic, code, mustDate(t, "2024-03-10"))
		require.NoError(t, err)
		require.NotNil(t, p, code)
		assert.True(t, p.Successful(), code)
		assert.Equal(t, 2, p.RowCount, code)
	}

	assert.Contains(t, env.out.String(), "sales_traffic summary")
}

func TestRunSalesRetryExhaustionIsAdvisory(t *testing.T) {
	env := newTestEnv(t)
	env.api.failMarketplace(caID, -1)
	ctx := context.Background()

	res := env.app.RunSales(ctx, SalesOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, ExitAdvisory, res.ExitCode())

	completed, failed, _ := res.Counts()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 1, failed)

	ca := unitsByLabel(res)["CA 2024-03-10"]
	assert.Equal(t, progress.OutcomeFailed, ca.Outcome)
	assert.Equal(t, 2, ca.Retries)
	assert.Contains(t, ca.Error, "500")
	assert.Equal(t, 3, env.api.failures())

	require.Len(t, env.notifier.failures, 1)
	assert.Equal(t, "CA 2024-03-10", env.notifier.failures[0].Unit)
	assert.Equal(t, 2, env.notifier.failures[0].Retries)

	require.Len(t, env.notifier.partials, 1)
	partial := env.notifier.partials[0]
	assert.Equal(t, []string{"MX 2024-03-10", "USA 2024-03-10"}, partial.Completed)
	assert.Equal(t, []string{"CA 2024-03-10"}, partial.Failed)
	assert.Contains(t, partial.Errors["CA 2024-03-10"], "500")
	assert.Empty(t, env.notifier.summaries)

	rec, err := env.store.Get(ctx, checkpoint.Key{PullType: warehouse.SourceSalesTraffic, Period: "2024-03-10", Region: "NA"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, checkpoint.StatusPartial, rec.Status)
	assert.True(t, strings.HasPrefix(rec.LastError, "CA 2024-03-10: "), rec.LastError)

	p, err := env.wh.LatestPull(ctx, warehouse.SourceSalesTraffic, "CA", mustDate(t, "2024-03-10"))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, warehouse.PullFailed, p.Status)
	assert.NotEmpty(t, p.Error)
}

func TestRunSalesResumeRetriesOnlyFailedMarketplaces(t *testing.T) {
	env := newTestEnv(t)
	env.api.failMarketplace(caID, -1)
	ctx := context.Background()

	first := env.app.RunSales(ctx, SalesOptions{})
	require.Equal(t, ExitAdvisory, first.ExitCode())

	env.api.reset()
	second := env.app.RunSales(ctx, SalesOptions{Resume: true})
	assert.Equal(t, ExitOK, second.ExitCode())

	units := unitsByLabel(second)
	assert.Equal(t, progress.OutcomeCompleted, units["CA 2024-03-10"].Outcome)
	assert.Equal(t, progress.OutcomeSkipped, units["USA 2024-03-10"].Outcome)
	assert.Equal(t, 2, units["USA 2024-03-10"].Rows)
	assert.Equal(t, progress.OutcomeSkipped, units["MX 2024-03-10"].Outcome)
	assert.Equal(t, 2, second.Rows)

	calls := env.api.accepted()
	require.Len(t, calls, 1)
	assert.Equal(t, caID, calls[0].MarketplaceID)

	rec, err := env.store.Get(ctx, checkpoint.Key{PullType: warehouse.SourceSalesTraffic, Period: "2024-03-10", Region: "NA"})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)
	assert.Equal(t, 6, rec.TotalRows)
}

func TestRunSalesResumeAcrossLocalMidnight(t *testing.T) {
	env := newTestEnv(t)
	env.api.failMarketplace(caID, -1)
	ctx := context.Background()

	// 02:00 UTC is still 2024-03-11 in Los Angeles: yesterday is 2024-03-10
	// while the run is filed under the UTC date 2024-03-11.
	env.app.now = func() time.Time { return time.Date(2024, 3, 12, 2, 0, 0, 0, time.UTC) }
	first := env.app.RunSales(ctx, SalesOptions{})
	require.Equal(t, ExitAdvisory, first.ExitCode())
	assert.Contains(t, unitsByLabel(first), "USA 2024-03-10")

	// Ten hours later the same checkpoint is resumed, but yesterday has
	// moved to 2024-03-11 in every marketplace.
	env.api.reset()
	env.app.now = func() time.Time { return time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC) }
	second := env.app.RunSales(ctx, SalesOptions{Resume: true})
	assert.Equal(t, ExitOK, second.ExitCode())

	units := unitsByLabel(second)
	for _, code := range []string{"USA", "CA", "MX"} {
		u, ok := units[code+" 2024-03-11"]
		require.True(t, ok, code)
		assert.Equal(t, progress.OutcomeCompleted, u.Outcome, code)
	}

	calls := env.api.accepted()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, "2024-03-11T00:00:00Z", c.DataStart)
	}

	for _, code := range []string{"USA", "MX"} {
		p, err := env.wh.LatestPull(ctx, warehouse.SourceSalesTraffic, code, mustDate(t, "2024-03-11"))
		require.NoError(t, err)
		require.NotNil(t, p, code)
		assert.True(t, p.Successful(), code)
	}
}

func TestRunSalesWithoutResumeStartsOver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.Equal(t, ExitOK, env.app.RunSales(ctx, SalesOptions{}).ExitCode())
	env.api.reset()

	res := env.app.RunSales(ctx, SalesOptions{})
	assert.Equal(t, ExitOK, res.ExitCode())
	assert.Len(t, env.api.accepted(), 3)
}

func TestRunSalesSkipsExistingPulls(t *testing.T) {
	env := newTestEnv(t)
	date := mustDate(t, "2024-03-10")
	env.wh.seed(warehouse.SourceSalesTraffic, "USA", date, warehouse.PullCompleted, 7, "")
	// A completed pull without rows does not count.
	env.wh.seed(warehouse.SourceSalesTraffic, "MX", date, warehouse.PullCompleted, 0, "")

	res := env.app.RunSales(context.Background(), SalesOptions{SkipExisting: true})
	assert.Equal(t, ExitOK, res.ExitCode())

	units := unitsByLabel(res)
	assert.Equal(t, progress.OutcomeSkipped, units["USA 2024-03-10"].Outcome)
	assert.Equal(t, 7, units["USA 2024-03-10"].Rows)
	assert.Equal(t, progress.OutcomeCompleted, units["MX 2024-03-10"].Outcome)
	assert.Equal(t, progress.OutcomeCompleted, units["CA 2024-03-10"].Outcome)
	assert.Len(t, env.api.accepted(), 2)
}

func TestRunSalesMissingCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.validateErr = errors.New("missing refresh token for region NA")

	res := env.app.RunSales(context.Background(), SalesOptions{})
	assert.Equal(t, ExitFailure, res.ExitCode())
	assert.ErrorContains(t, res.Err, "refresh token")
	assert.Empty(t, res.Units)
	assert.Empty(t, env.api.accepted())
	assert.Empty(t, env.notifier.failures)
	assert.Empty(t, env.notifier.partials)
}

func TestRunSalesSessionFailureFailsRegionUnits(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.openErr = errors.New("authenticate NA: invalid_grant")

	res := env.app.RunSales(context.Background(), SalesOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, ExitFailure, res.ExitCode())

	_, failed, _ := res.Counts()
	assert.Equal(t, 3, failed)
	assert.Len(t, env.notifier.failures, 3)
	require.Len(t, env.notifier.partials, 1)
	assert.Len(t, env.notifier.partials[0].Failed, 3)
	assert.Empty(t, env.notifier.partials[0].Completed)
}

func TestRunSalesMarketplaceFilter(t *testing.T) {
	env := newTestEnv(t)

	res := env.app.RunSales(context.Background(), SalesOptions{Marketplaces: []string{"usa"}})
	assert.Equal(t, ExitOK, res.ExitCode())
	require.Len(t, res.Units, 1)
	assert.Equal(t, "USA 2024-03-10", res.Units[0].Unit)

	res = env.app.RunSales(context.Background(), SalesOptions{Marketplaces: []string{"DE"}})
	assert.Equal(t, ExitFailure, res.ExitCode())
	assert.ErrorContains(t, res.Err, "not configured")
}

func TestRunSalesDaysBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.app.RunSales(ctx, SalesOptions{DaysBack: 2, Marketplaces: []string{"USA"}})
	assert.Equal(t, ExitOK, res.ExitCode())
	assert.Equal(t, "2024-03-09..2024-03-10", res.Period)

	units := unitsByLabel(res)
	assert.Contains(t, units, "USA 2024-03-10")
	assert.Contains(t, units, "USA 2024-03-09")

	for _, period := range []string{"2024-03-10", "2024-03-09"} {
		rec, err := env.store.Get(ctx, checkpoint.Key{PullType: warehouse.SourceSalesTraffic, Period: period, Region: "NA"})
		require.NoError(t, err)
		require.NotNil(t, rec, period)
		assert.Equal(t, checkpoint.StatusCompleted, rec.Status)
	}
}

func TestRunSalesFixedDate(t *testing.T) {
	env := newTestEnv(t)

	res := env.app.RunSales(context.Background(), SalesOptions{Date: mustDate(t, "2024-02-29"), Marketplaces: []string{"MX"}})
	assert.Equal(t, ExitOK, res.ExitCode())
	require.Len(t, res.Units, 1)
	assert.Equal(t, "MX 2024-02-29", res.Units[0].Unit)
}

func TestRunSalesPushesMetrics(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	env := newTestEnv(t)
	env.cfg.Metrics.PushgatewayURL = gateway.URL
	env.cfg.Metrics.Instance = "runner-1"

	res := env.app.RunSales(context.Background(), SalesOptions{Marketplaces: []string{"USA"}})
	assert.Equal(t, ExitOK, res.ExitCode())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/metrics/job/spapi_etl/instance/runner-1"}, paths)
}

func TestResultExitCode(t *testing.T) {
	unit := func(o progress.Outcome) progress.UnitResult { return progress.UnitResult{Outcome: o} }
	completed := unit(progress.OutcomeCompleted)
	failed := unit(progress.OutcomeFailed)
	skipped := unit(progress.OutcomeSkipped)

	tests := []struct {
		name string
		res  Result
		want int
	}{
		{"empty", Result{}, ExitOK},
		{"all completed", Result{Units: []progress.UnitResult{completed, completed}}, ExitOK},
		{"all skipped", Result{Units: []progress.UnitResult{skipped}}, ExitOK},
		{"some failed", Result{Units: []progress.UnitResult{completed, failed}}, ExitAdvisory},
		{"failed beside skipped", Result{Units: []progress.UnitResult{skipped, failed}}, ExitAdvisory},
		{"all failed", Result{Units: []progress.UnitResult{failed, failed}}, ExitFailure},
		{"setup error", Result{Err: errors.New("no credentials")}, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.res.ExitCode())
		})
	}
}

type failingCloser struct{ err error }

func (c failingCloser) Close() error { return c.err }

func TestAppCloseCollectsErrors(t *testing.T) {
	a := New(config.Default(), nil)
	a.closers = []io.Closer{
		failingCloser{errors.New("warehouse busy")},
		failingCloser{},
		failingCloser{errors.New("checkpoint locked")},
	}

	err := a.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse busy")
	assert.Contains(t, err.Error(), "checkpoint locked")

	assert.NoError(t, New(config.Default(), nil).Close())
}
