// internal/feeds/nvd_test.go
package feeds

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
	"github.com/xkilldash9x/vulndigest/internal/config"
)

const nvdPageOne = `{
  "resultsPerPage": 2, "startIndex": 0, "totalResults": 3,
  "vulnerabilities": [
    {"cve": {
      "id": "CVE-2024-1000",
      "published": "2024-06-10T08:15:00.000",
      "descriptions": [
        {"lang": "es", "value": "Desbordamiento"},
        {"lang": "en", "value": "Heap overflow in Widget"},
        {"lang": "ja", "value": "ヒープオーバーフロー"}
      ],
      "metrics": {
        "cvssMetricV30": [{"cvssData": {"baseScore": 7.5}}],
        "cvssMetricV31": [{"cvssData": {"baseScore": 9.8}}]
      },
      "references": [
        {"url": "https://vendor.example/adv", "source": "vendor@example", "tags": ["Vendor Advisory"]},
        {"url": "https://patch.example/fix", "tags": ["Patch", "Third Party Advisory"]},
        {"url": ""}
      ],
      "configurations": [{"nodes": [{"cpeMatch": [{"criteria": "cpe:2.3:a:acme_corp:widget_server:1.0:*:*:*:*:*:*:*"}]}]}]
    }},
    {"cve": {"id": "", "published": "2024-06-10T00:00:00.000"}}
  ]
}`

const nvdPageTwo = `{
  "resultsPerPage": 2, "startIndex": 2, "totalResults": 3,
  "vulnerabilities": [
    {"cve": {
      "id": "CVE-2024-1001",
      "published": "2024-06-11T00:00:00.000",
      "descriptions": [{"lang": "ja", "value": "認証回避"}],
      "metrics": {
        "cvssMetricV40": [{"cvssData": {"baseScore": 9.3}}],
        "cvssMetricV31": [{"cvssData": {"baseScore": 8.1}}]
      },
      "configurations": {"nodes": [{"cpeMatch": [{"cpe23Uri": "cpe:2.3:o:example:router_os:2:*:*:*:*:*:*:*"}]}]}
    }}
  ]
}`

func TestNVD_FetchPaginates(t *testing.T) {
	var apiKey atomic.Value
	server, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		apiKey.Store(r.Header.Get("apiKey"))
		q := r.URL.Query()
		assert.Equal(t, "2024-06-08T12:00:00.000Z", q.Get("pubStartDate"))
		assert.Equal(t, "2024-06-15T12:00:00.000Z", q.Get("pubEndDate"))
		assert.Equal(t, "2", q.Get("resultsPerPage"))

		switch q.Get("startIndex") {
		case "0":
			_, _ = w.Write([]byte(nvdPageOne))
		case "2":
			_, _ = w.Write([]byte(nvdPageTwo))
		default:
			t.Errorf("unexpected startIndex %s", q.Get("startIndex"))
		}
	})

	nvd := NewNVD(config.NVDConfig{URL: server.URL, APIKey: "k", ResultsPerPage: 2, MaxPages: 5}, 7, client, nil)
	nvd.now = func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }

	records, err := nvd.fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "k", apiKey.Load())

	first := records[0]
	assert.Equal(t, "CVE-2024-1000", first.CVE)
	assert.Equal(t, "Heap overflow in Widget", first.Summary, "first en/ja description wins")
	assert.Equal(t, first.Summary, first.Description)
	require.NotNil(t, first.CVSS)
	assert.Equal(t, 9.8, *first.CVSS, "v3.1 is preferred over v3.0")
	assert.Equal(t, "acme corp", first.Vendor)
	assert.Equal(t, "widget server", first.Product)
	require.NotNil(t, first.Published)
	assert.Equal(t, time.Date(2024, 6, 10, 8, 15, 0, 0, time.UTC), *first.Published)
	require.Len(t, first.References, 2)
	assert.Equal(t, "vendor@example", first.References[0].Label)
	assert.True(t, first.References[0].HasTag("vendor advisory"))
	assert.Equal(t, "Patch, Third Party Advisory", first.References[1].Label)
	assert.Equal(t, advisory.SourceNVD, first.Source)

	second := records[1]
	assert.Equal(t, "認証回避", second.Summary)
	require.NotNil(t, second.CVSS)
	assert.Equal(t, 9.3, *second.CVSS, "v4.0 is preferred over everything")
	assert.Equal(t, "example", second.Vendor)
	assert.Equal(t, "router os", second.Product)
}

func TestNVD_PageCap(t *testing.T) {
	var requests atomic.Int32
	server, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		fmt.Fprintf(w, `{"totalResults": 100, "vulnerabilities": [{"cve": {"id": "CVE-2024-%d"}}]}`, n)
	})

	nvd := NewNVD(config.NVDConfig{URL: server.URL, ResultsPerPage: 1, MaxPages: 3}, 7, client, nil)
	records, err := nvd.fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.EqualValues(t, 3, requests.Load())
}

func TestNVD_FailuresYieldEmpty(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, "unexpected status 503"},
		{"malformed payload", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"vulnerabilities": "nope"`))
		}, "malformed NVD payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := newTestServer(t, tt.handler)
			logger, logs := newObservedLogger()
			nvd := NewNVD(config.NVDConfig{URL: server.URL}, 7, client, logger)

			_, err := nvd.fetch(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			assert.Empty(t, nvd.Fetch(context.Background()))
			assert.Equal(t, 1, logs.FilterMessage("Failed to fetch NVD feed.").Len())
		})
	}
}

func TestNVD_KeepsPagesFetchedBeforeFailure(t *testing.T) {
	server, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startIndex") != "0" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(nvdPageOne))
	})

	logger, logs := newObservedLogger()
	nvd := NewNVD(config.NVDConfig{URL: server.URL, ResultsPerPage: 2, MaxPages: 5}, 7, client, logger)
	records := nvd.Fetch(context.Background())

	assert.Len(t, records, 1)
	assert.Equal(t, 1, logs.FilterMessageSnippet("stopped early").Len())
}

func TestNVD_RateLimiterHonorsContext(t *testing.T) {
	server, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"totalResults": 10, "vulnerabilities": [{"cve": {"id": "CVE-2024-1"}}]}`)
	})
	// One request per hour: the second page has to wait and the context expires first.
	nvd := NewNVD(config.NVDConfig{URL: server.URL, ResultsPerPage: 1, MaxPages: 2, RateLimit: 1.0 / 3600}, 7, client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	records, err := nvd.fetch(ctx)
	require.Error(t, err)
	assert.Len(t, records, 1)
}

func TestNVDSummary(t *testing.T) {
	assert.Equal(t, "", nvdSummary(nil))
	assert.Equal(t, "first", nvdSummary([]nvdDescription{{Lang: "EN", Value: "first"}, {Lang: "ja", Value: "second"}}))
	assert.Empty(t, nvdSummary([]nvdDescription{{Lang: "fr", Value: "x"}}))
}
