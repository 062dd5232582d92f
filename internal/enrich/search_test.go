// internal/enrich/search_test.go
package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestQueries(t *testing.T) {
	q := Queries("CVE-2024-0001")
	require.Len(t, q, 5)
	assert.Equal(t, `"CVE-2024-0001" advisory`, q[0])
	assert.Equal(t, `"CVE-2024-0001" patch release`, q[4])
}

func TestSerpAPI_Search(t *testing.T) {
	stub := &stubClient{responses: map[string]stubResponse{
		serpAPIEndpoint: {status: http.StatusOK, body: `{"organic_results": [{"link": "https://a.example"}, {"link": " "}, {"title": "no link"}]}`},
	}}
	s := NewSerpAPI(" key ", stub)

	urls, err := s.Search(context.Background(), `"CVE-1" exploit`)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example"}, urls)

	parsed, err := url.Parse(stub.calls[0])
	require.NoError(t, err)
	assert.Equal(t, "google", parsed.Query().Get("engine"))
	assert.Equal(t, "key", parsed.Query().Get("api_key"))
	assert.Equal(t, `"CVE-1" exploit`, parsed.Query().Get("q"))
}

func TestBing_Search(t *testing.T) {
	stub := &stubClient{responses: map[string]stubResponse{
		bingEndpoint: {status: http.StatusOK, body: `{"webPages": {"value": [{"url": "https://b.example"}]}}`},
	}}
	urls, err := NewBing("k", stub).Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://b.example"}, urls)
	assert.Equal(t, "k", stub.headers[0]["Ocp-Apim-Subscription-Key"])
}

func TestSearch_Failures(t *testing.T) {
	stub := &stubClient{responses: map[string]stubResponse{
		serpAPIEndpoint: {status: http.StatusUnauthorized, body: `{}`},
		bingEndpoint:    {status: http.StatusOK, body: `<html>`},
	}}

	_, err := NewSerpAPI("secret", stub).Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 401")
	assert.NotContains(t, err.Error(), "secret", "api key never leaks into errors")

	_, err = NewBing("k", stub).Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed Bing response")
}

// plainClient performs real requests so transport errors carry the
// *url.Error the standard client produces.
type plainClient struct{ client *http.Client }

func (p plainClient) Get(ctx context.Context, target string, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}

func TestSearch_TransportErrorHidesAPIKey(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL + "/search.json"
	server.Close()

	serp := NewSerpAPI("SECRETKEY123", plainClient{client: &http.Client{}})
	serp.endpoint = endpoint

	_, err := serp.Search(context.Background(), "CVE-2024-0001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request to "+endpoint+" failed")
	assert.NotContains(t, err.Error(), "SECRETKEY123")
	assert.NotContains(t, err.Error(), "api_key")

	core, logs := observer.New(zap.DebugLevel)
	chain := NewChain(zap.New(core), serp)
	assert.Empty(t, chain.Collect(context.Background(), "CVE-2024-0001"))

	failures := logs.FilterMessage("Search query failed.").All()
	require.NotEmpty(t, failures)
	for _, entry := range failures {
		assert.NotContains(t, fmt.Sprint(entry.ContextMap()["error"]), "SECRETKEY123")
	}
}

func TestMissingCredentialsDisableProvider(t *testing.T) {
	assert.Nil(t, NewSerpAPI("", &stubClient{}))
	assert.Nil(t, NewBing("  ", &stubClient{}))

	chain := NewChain(nil, NewSerpAPI("", nil), NewBing("", nil))
	assert.Zero(t, chain.Len())
	assert.Empty(t, chain.Collect(context.Background(), "CVE-1"))
}

func TestChain_FallsBackToBingOnlyWhenSerpAPIFindsNothing(t *testing.T) {
	t.Run("serpapi finds results", func(t *testing.T) {
		stub := &stubClient{responses: map[string]stubResponse{
			serpAPIEndpoint: {status: http.StatusOK, body: `{"organic_results": [{"link": "https://blog.example/post"}, {"link": "https://www.cisa.gov/kev"}]}`},
			bingEndpoint:    {status: http.StatusOK, body: `{"webPages": {"value": [{"url": "https://bing.example"}]}}`},
		}}
		chain := NewChain(nil, NewSerpAPI("k", stub), NewBing("k", stub))

		urls := chain.Collect(context.Background(), "CVE-1")
		assert.Equal(t, []string{"https://www.cisa.gov/kev", "https://blog.example/post"}, urls)
		assert.Equal(t, 5, stub.callsWithPrefix(serpAPIEndpoint))
		assert.Zero(t, stub.callsWithPrefix(bingEndpoint))
	})

	t.Run("serpapi empty", func(t *testing.T) {
		stub := &stubClient{responses: map[string]stubResponse{
			serpAPIEndpoint: {status: http.StatusOK, body: `{"organic_results": []}`},
			bingEndpoint:    {status: http.StatusOK, body: `{"webPages": {"value": [{"url": "https://bing.example"}]}}`},
		}}
		chain := NewChain(nil, NewSerpAPI("k", stub), NewBing("k", stub))

		assert.Equal(t, []string{"https://bing.example"}, chain.Collect(context.Background(), "CVE-1"))
		assert.Equal(t, 5, stub.callsWithPrefix(bingEndpoint))
	})
}

func TestChain_CapsAtTwenty(t *testing.T) {
	body := `{"organic_results": [`
	for i := 0; i < 30; i++ {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"link": "https://site%d.example"}`, i)
	}
	body += `]}`
	stub := &stubClient{responses: map[string]stubResponse{serpAPIEndpoint: {status: http.StatusOK, body: body}}}

	urls := NewChain(nil, NewSerpAPI("k", stub)).Collect(context.Background(), "CVE-1")
	assert.Len(t, urls, maxSearchURLs)
	assert.Equal(t, "https://site0.example", urls[0])
}

func TestTrustedFirst(t *testing.T) {
	in := []string{"https://x.example/a", "https://github.com/o/r", "https://y.example", "https://support.vendor.example"}
	assert.Equal(t, []string{
		"https://github.com/o/r", "https://support.vendor.example", "https://x.example/a", "https://y.example",
	}, trustedFirst(in))
}
