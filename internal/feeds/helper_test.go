// internal/feeds/helper_test.go
package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/vulndigest/internal/network"
)

// newTestServer starts an httptest server and returns a client wired to it.
func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *network.Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, network.WrapClient(server.Client(), "VulnDigest/test")
}

// newObservedLogger returns a logger whose entries can be asserted on.
func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// stubClient answers every request from a fixed table keyed by URL.
type stubClient struct {
	responses map[string]stubResponse
	calls     []string
}

type stubResponse struct {
	body   string
	status int
	err    error
}

func (s *stubClient) Get(_ context.Context, url string, _ map[string]string) ([]byte, int, error) {
	s.calls = append(s.calls, url)
	resp, ok := s.responses[url]
	if !ok {
		return []byte("not found"), http.StatusNotFound, nil
	}
	return []byte(resp.body), resp.status, resp.err
}
