// File: internal/feeds/feeds.go
package feeds

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
)

// jsonCodec decodes feed payloads. Feeds can run to tens of megabytes, so
// the faster decoder is used while staying compatible with encoding/json tags.
var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPClient is the slice of the network client the adapters need.
type HTTPClient interface {
	Get(ctx context.Context, url string, headers map[string]string) (body []byte, statusCode int, err error)
}

// Feed is an advisory source. Fetch never fails: problems are logged and
// produce an empty result.
type Feed interface {
	Name() advisory.Source
	Fetch(ctx context.Context) []advisory.Record
}

// IDFeed is a source of identifiers only, such as the KEV catalog.
type IDFeed interface {
	FetchIDs(ctx context.Context) advisory.IDSet
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// getOK fetches url and turns a non-2xx status into a *StatusError.
func getOK(ctx context.Context, client HTTPClient, url string, headers map[string]string) ([]byte, error) {
	body, status, err := client.Get(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	if status < 200 || status > 299 {
		return nil, &StatusError{URL: url, StatusCode: status}
	}
	return body, nil
}
