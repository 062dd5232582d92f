// internal/digest/helper_test.go
package digest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
	"github.com/xkilldash9x/vulndigest/internal/enrich"
	"github.com/xkilldash9x/vulndigest/internal/state"
)

var testNow = time.Date(2024, 6, 15, 3, 0, 0, 0, time.UTC)

const testDay = "2024-06-15"

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func rec(cve string, cvss float64, daysAgo int) advisory.Record {
	published := testNow.Add(-time.Duration(daysAgo) * 24 * time.Hour)
	return advisory.Record{
		CVE:       cve,
		Summary:   cve + " summary.",
		Published: &published,
		CVSS:      &cvss,
		Vendor:    "acme",
		Product:   "widget",
	}
}

type fakeFeed struct {
	name    advisory.Source
	records []advisory.Record
	calls   atomic.Int32
}

func (f *fakeFeed) Name() advisory.Source { return f.name }

func (f *fakeFeed) Fetch(ctx context.Context) []advisory.Record {
	f.calls.Add(1)
	return f.records
}

type fakeKEV struct {
	ids advisory.IDSet
}

func (f *fakeKEV) FetchIDs(ctx context.Context) advisory.IDSet { return f.ids }

// memStore keeps the state in memory and hands out copies, as a real store would.
type memStore struct {
	mu      sync.Mutex
	st      *state.State
	saves   int
	loadErr error
	saveErr error
}

func newMemStore() *memStore { return &memStore{st: state.New()} }

func (m *memStore) Load(ctx context.Context) (*state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.st.Clone(), nil
}

func (m *memStore) Save(ctx context.Context, st *state.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.st = st.Clone()
	return nil
}

func (m *memStore) snapshot() *state.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Clone()
}

type draft struct {
	title, body, hero string
}

type fakePublisher struct {
	mu     sync.Mutex
	drafts []draft
	failOn map[string]error
	err    error
	nextID int
}

func (p *fakePublisher) CreateDraft(ctx context.Context, title, markdown, heroURL string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	for cve, err := range p.failOn {
		if strings.Contains(title+markdown, cve) {
			return 0, err
		}
	}
	p.nextID++
	p.drafts = append(p.drafts, draft{title: title, body: markdown, hero: heroURL})
	return 100 + p.nextID, nil
}

// fakeEnricher returns a fixed article for the listed CVEs and nothing otherwise.
type fakeEnricher struct {
	articles map[string]enrich.Article
}

func (e *fakeEnricher) Enrich(ctx context.Context, r advisory.Record) (enrich.Article, advisory.Record) {
	return e.articles[r.CVE], r
}
