package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"spapi-etl/internal/spapi"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

const reportsPath = "/reports/2021-06-30"

const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxWait      = 300 * time.Second
)

// ProcessingStatus is the remote lifecycle state of a report.
type ProcessingStatus string

const (
	StatusInQueue    ProcessingStatus = "IN_QUEUE"
	StatusInProgress ProcessingStatus = "IN_PROGRESS"
	StatusDone       ProcessingStatus = "DONE"
	StatusCancelled  ProcessingStatus = "CANCELLED"
	StatusFatal      ProcessingStatus = "FATAL"
)

// Terminal reports whether no further status change will happen.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusFatal
}

// Doer is the subset of *spapi.Client the workflow needs.
type Doer interface {
	Do(ctx context.Context, req spapi.Request) (*spapi.Response, error)
	Open(ctx context.Context, req spapi.Request) (io.ReadCloser, error)
}

// Archiver stores raw report documents.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte) error
}

// CreateRequest is the body of a report creation call.
type CreateRequest struct {
	ReportType     string
	MarketplaceIDs []string
	DataStartTime  time.Time
	DataEndTime    time.Time
	Options        map[string]string
}

// PollConfig bounds the status polling loop.
type PollConfig struct {
	Interval time.Duration
	MaxWait  time.Duration
}

func (p PollConfig) withDefaults() PollConfig {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultMaxWait
	}
	return p
}

// PollOutcome is the three-way result of polling a report.
type PollOutcome int

const (
	PollReady PollOutcome = iota
	PollFailed
	PollTimedOut
)

func (o PollOutcome) String() string {
	switch o {
	case PollReady:
		return "ready"
	case PollFailed:
		return "failed"
	default:
		return "timed_out"
	}
}

// PollResult carries the document ID when Outcome is PollReady and the last
// observed status otherwise.
type PollResult struct {
	Outcome    PollOutcome
	ReportID   string
	DocumentID string
	Status     ProcessingStatus
	Polls      int
	Elapsed    time.Duration
}

// Document is the short-lived download descriptor of a finished report.
type Document struct {
	ID                   string `json:"reportDocumentId"`
	URL                  string `json:"url"`
	CompressionAlgorithm string `json:"compressionAlgorithm"`
}

// Workflow drives create, poll and download against one regional endpoint.
type Workflow struct {
	client   Doer
	baseURL  string
	archiver Archiver
	logger   *zap.Logger
}

// WorkflowOption customises a Workflow.
type WorkflowOption func(*Workflow)

// WithArchiver stores every downloaded document through a.
func WithArchiver(a Archiver) WorkflowOption {
	return func(w *Workflow) { w.archiver = a }
}

// WithWorkflowLogger sets the workflow logger.
func WithWorkflowLogger(l *zap.Logger) WorkflowOption {
	return func(w *Workflow) { w.logger = l }
}

// NewWorkflow creates a workflow calling baseURL (see Endpoint) through client.
func NewWorkflow(client Doer, baseURL string, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("reports")
	return w
}

// Create requests a new report and returns its remote ID.
func (w *Workflow) Create(ctx context.Context, req CreateRequest) (string, error) {
	payload := map[string]any{
		"reportType":     req.ReportType,
		"marketplaceIds": req.MarketplaceIDs,
	}
	if !req.DataStartTime.IsZero() {
		payload["dataStartTime"] = req.DataStartTime.UTC().Format("2006-01-02T15:04:05Z")
	}
	if !req.DataEndTime.IsZero() {
		payload["dataEndTime"] = req.DataEndTime.UTC().Format("2006-01-02T15:04:05Z")
	}
	if len(req.Options) > 0 {
		payload["reportOptions"] = req.Options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s request: %w", req.ReportType, err)
	}
	resp, err := w.client.Do(ctx, spapi.Request{
		Method:   http.MethodPost,
		URL:      w.baseURL + reportsPath + "/reports",
		Category: spapi.CategoryReportCreate,
		Body:     body,
	})
	if err != nil {
		return "", err
	}
	var created struct {
		ReportID string `json:"reportId"`
	}
	if err := resp.DecodeJSON(&created); err != nil {
		return "", err
	}
	if created.ReportID == "" {
		return "", fmt.Errorf("create %s: response has no reportId", req.ReportType)
	}

	w.logger.Info("Report requested",
		zap.String("report_type", req.ReportType),
		zap.String("report_id", created.ReportID))
	return created.ReportID, nil
}

// Poll checks the report status every interval until it reaches a terminal
// state or maxWait elapses. Client errors are returned as errors; remote
// outcomes are returned in the result.
func (w *Workflow) Poll(ctx context.Context, reportID string, maxWait, interval time.Duration) (PollResult, error) {
	cfg := PollConfig{Interval: interval, MaxWait: maxWait}.withDefaults()
	start := time.Now()
	result := PollResult{ReportID: reportID}

	for {
		resp, err := w.client.Do(ctx, spapi.Request{
			Method:   http.MethodGet,
			URL:      w.baseURL + reportsPath + "/reports/" + url.PathEscape(reportID),
			Category: spapi.CategoryReportGet,
		})
		if err != nil {
			return result, err
		}
		result.Polls++

		var body struct {
			ProcessingStatus ProcessingStatus `json:"processingStatus"`
			ReportDocumentID string           `json:"reportDocumentId"`
		}
		if err := resp.DecodeJSON(&body); err != nil {
			return result, err
		}
		result.Status = body.ProcessingStatus
		result.Elapsed = time.Since(start)

		switch body.ProcessingStatus {
		case StatusDone:
			if body.ReportDocumentID == "" {
				return result, fmt.Errorf("report %s is DONE without a document id", reportID)
			}
			result.Outcome = PollReady
			result.DocumentID = body.ReportDocumentID
			return result, nil
		case StatusCancelled, StatusFatal:
			result.Outcome = PollFailed
			return result, nil
		}

		if result.Elapsed >= cfg.MaxWait {
			result.Outcome = PollTimedOut
			return result, nil
		}

		w.logger.Debug("Report not ready",
			zap.String("report_id", reportID),
			zap.String("status", string(body.ProcessingStatus)),
			zap.Duration("elapsed", result.Elapsed))

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}

// Document fetches the download descriptor for documentID.
func (w *Workflow) Document(ctx context.Context, documentID string) (Document, error) {
	resp, err := w.client.Do(ctx, spapi.Request{
		Method:   http.MethodGet,
		URL:      w.baseURL + reportsPath + "/documents/" + url.PathEscape(documentID),
		Category: spapi.CategoryReportGet,
	})
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := resp.DecodeJSON(&doc); err != nil {
		return Document{}, err
	}
	if doc.URL == "" {
		return Document{}, fmt.Errorf("document %s has no download url", documentID)
	}
	if doc.ID == "" {
		doc.ID = documentID
	}
	return doc, nil
}

func (d Document) gzipped() bool {
	return strings.EqualFold(d.CompressionAlgorithm, "GZIP")
}

// Download returns the decompressed document payload.
func (w *Workflow) Download(ctx context.Context, documentID string) ([]byte, error) {
	_, data, err := w.download(ctx, documentID)
	return data, err
}

func (w *Workflow) download(ctx context.Context, documentID string) (raw, data []byte, err error) {
	doc, err := w.Document(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	resp, err := w.client.Do(ctx, spapi.Request{
		Method:   http.MethodGet,
		URL:      doc.URL,
		Category: spapi.CategoryDocument,
		NoAuth:   true,
	})
	if err != nil {
		return nil, nil, err
	}
	if !doc.gzipped() {
		return resp.Body, resp.Body, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("open gzip document %s: %w", documentID, err)
	}
	defer zr.Close()
	data, err = io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress document %s: %w", documentID, err)
	}
	return resp.Body, data, nil
}

// Open streams the decompressed document payload. The caller closes it.
func (w *Workflow) Open(ctx context.Context, documentID string) (io.ReadCloser, error) {
	doc, err := w.Document(ctx, documentID)
	if err != nil {
		return nil, err
	}
	body, err := w.client.Open(ctx, spapi.Request{
		Method:   http.MethodGet,
		URL:      doc.URL,
		Category: spapi.CategoryDocument,
		NoAuth:   true,
	})
	if err != nil {
		return nil, err
	}
	if !doc.gzipped() {
		return body, nil
	}
	zr, err := gzip.NewReader(body)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("open gzip document %s: %w", documentID, err)
	}
	return &gzipReadCloser{Reader: zr, body: body}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.ReadCloser
}

func (g *gzipReadCloser) Close() error {
	zerr := g.Reader.Close()
	if err := g.body.Close(); err != nil {
		return err
	}
	return zerr
}

// Report is a downloaded report.
type Report struct {
	ReportID   string
	DocumentID string
	Data       []byte
}

// Fetch runs create, poll and download for req. Remote failure and timeout
// become a *ReportError.
func (w *Workflow) Fetch(ctx context.Context, req CreateRequest, poll PollConfig) (*Report, error) {
	docID, reportID, err := w.await(ctx, req, poll)
	if err != nil {
		return nil, err
	}

	raw, data, err := w.download(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("download report %s: %w", reportID, err)
	}
	w.archive(ctx, req, reportID, raw)

	w.logger.Info("Report downloaded",
		zap.String("report_type", req.ReportType),
		zap.String("report_id", reportID),
		zap.Int("bytes", len(data)))
	return &Report{ReportID: reportID, DocumentID: docID, Data: data}, nil
}

// FetchStream runs create and poll for req and returns the streamed document.
func (w *Workflow) FetchStream(ctx context.Context, req CreateRequest, poll PollConfig) (io.ReadCloser, string, error) {
	docID, reportID, err := w.await(ctx, req, poll)
	if err != nil {
		return nil, reportID, err
	}
	body, err := w.Open(ctx, docID)
	if err != nil {
		return nil, reportID, fmt.Errorf("open report %s: %w", reportID, err)
	}
	return body, reportID, nil
}

func (w *Workflow) await(ctx context.Context, req CreateRequest, poll PollConfig) (docID, reportID string, err error) {
	poll = poll.withDefaults()

	reportID, err = w.Create(ctx, req)
	if err != nil {
		return "", "", fmt.Errorf("create %s report: %w", req.ReportType, err)
	}

	res, err := w.Poll(ctx, reportID, poll.MaxWait, poll.Interval)
	if err != nil {
		return "", reportID, fmt.Errorf("poll report %s: %w", reportID, err)
	}
	switch res.Outcome {
	case PollFailed:
		return "", reportID, &ReportError{Kind: ReportFailed, ReportType: req.ReportType, ReportID: reportID, Status: res.Status}
	case PollTimedOut:
		return "", reportID, &ReportError{Kind: ReportTimedOut, ReportType: req.ReportType, ReportID: reportID, Status: res.Status, Waited: res.Elapsed}
	}
	return res.DocumentID, reportID, nil
}

func (w *Workflow) archive(ctx context.Context, req CreateRequest, reportID string, raw []byte) {
	if w.archiver == nil {
		return
	}
	marketplace := "all"
	if len(req.MarketplaceIDs) > 0 {
		marketplace = req.MarketplaceIDs[0]
	}
	key := fmt.Sprintf("%s/%s/%s/%s", req.ReportType, marketplace, req.DataStartTime.UTC().Format("2006-01-02"), reportID)
	if err := w.archiver.Archive(ctx, key, raw); err != nil {
		w.logger.Warn("Failed to archive report",
			zap.String("report_id", reportID),
			zap.String("key", key),
			zap.Error(err))
	}
}
