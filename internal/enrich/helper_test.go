// internal/enrich/helper_test.go
package enrich

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

type stubResponse struct {
	status int
	body   string
	err    error
}

// stubClient answers by URL prefix and records every call.
type stubClient struct {
	mu        sync.Mutex
	responses map[string]stubResponse
	calls     []string
	headers   []map[string]string
}

func (s *stubClient) Get(ctx context.Context, url string, headers map[string]string) ([]byte, int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, url)
	s.headers = append(s.headers, headers)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	for prefix, resp := range s.responses {
		if strings.HasPrefix(url, prefix) {
			return []byte(resp.body), resp.status, resp.err
		}
	}
	return nil, http.StatusNotFound, nil
}

func (s *stubClient) callsWithPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeSummarizer struct {
	summary *Summary
	err     error
	gotCVE  string
	gotBlob []string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, cve string, blobs []string) (*Summary, error) {
	f.gotCVE = cve
	f.gotBlob = blobs
	return f.summary, f.err
}

func ptr(f float64) *float64 { return &f }

func boolPtr(b bool) *bool { return &b }
