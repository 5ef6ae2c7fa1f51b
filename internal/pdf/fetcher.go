// Package pdf fetches PDF documents from tenant service APIs for use as
// email attachments.
package pdf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one document fetch.
const DefaultTimeout = 30 * time.Second

// Fetcher produces attachment bytes for a document reference. A nil result
// with nil error means the document does not exist.
type Fetcher interface {
	FetchInvoicePDF(ctx context.Context, baseURL, invoiceID string) ([]byte, error)
	FetchWorkOrderPDF(ctx context.Context, baseURL, workOrderID string) ([]byte, error)
}

// Compile-time check that HTTPFetcher implements Fetcher.
var _ Fetcher = (*HTTPFetcher)(nil)

// HTTPFetcher fetches PDFs over the tenant's service API.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the default timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: DefaultTimeout}}
}

// FetchInvoicePDF fetches a sales invoice PDF.
func (f *HTTPFetcher) FetchInvoicePDF(ctx context.Context, baseURL, invoiceID string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/Invoice/%s/pdf", strings.TrimRight(baseURL, "/"), invoiceID)
	return f.fetch(ctx, url, "invoice", invoiceID)
}

// FetchWorkOrderPDF fetches a work order PDF.
func (f *HTTPFetcher) FetchWorkOrderPDF(ctx context.Context, baseURL, workOrderID string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/workorder/%s/pdf", strings.TrimRight(baseURL, "/"), workOrderID)
	return f.fetch(ctx, url, "work_order", workOrderID)
}

func (f *HTTPFetcher) fetch(ctx context.Context, url, kind, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s pdf request: %w", kind, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s pdf %s: %w", kind, id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s pdf %s: %w", kind, id, err)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.Contains(strings.ToLower(ct), "pdf") && len(body) > 0 {
			slog.Warn("HTTPFetcher.fetch: unexpected content type", "kind", kind, "id", id, "contentType", ct)
		}
		slog.Debug("HTTPFetcher.fetch: document fetched", "kind", kind, "id", id, "sizeBytes", len(body))
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		slog.Warn("HTTPFetcher.fetch: document not found", "kind", kind, "id", id)
		return nil, nil
	default:
		return nil, fmt.Errorf("fetch %s pdf %s: status %d", kind, id, resp.StatusCode)
	}
}
