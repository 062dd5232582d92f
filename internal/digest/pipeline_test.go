// internal/digest/pipeline_test.go
package digest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
	"github.com/xkilldash9x/vulndigest/internal/enrich"
	"github.com/xkilldash9x/vulndigest/internal/feeds"
	"github.com/xkilldash9x/vulndigest/internal/observability"
	"github.com/xkilldash9x/vulndigest/internal/publish"
	"github.com/xkilldash9x/vulndigest/internal/render"
)

type fixture struct {
	nvd, sec, jvn *fakeFeed
	kev           *fakeKEV
	store         *memStore
	pub           *fakePublisher
	metrics       *observability.Metrics
	opts          Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		nvd: &fakeFeed{name: advisory.SourceNVD, records: []advisory.Record{
			rec("CVE-2024-0001", 9.1, 1),
			rec("CVE-2024-0002", 9.8, 2),
			rec("CVE-2024-0003", 5.0, 1),
			rec("CVE-2024-0004", 9.9, 10),
		}},
		sec:     &fakeFeed{name: advisory.SourceSecGemini},
		jvn:     &fakeFeed{name: advisory.SourceJVN},
		kev:     &fakeKEV{ids: advisory.NewIDSet("CVE-2024-0001")},
		store:   newMemStore(),
		pub:     &fakePublisher{},
		metrics: observability.NewMetrics(),
	}
	f.opts = Options{
		Primary:      f.nvd,
		Secondaries:  []feeds.Feed{f.sec, f.jvn},
		KEV:          f.kev,
		Store:        f.store,
		Publisher:    f.pub,
		Metrics:      f.metrics,
		LookbackDays: 7,
		HeroImageURL: "https://img.example/hero.png",
		Now:          func() time.Time { return testNow },
	}
	return f
}

func TestPipeline_PublishesRankedCandidates(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	exploited := rec("CVE-2024-0003", 5.0, 1)
	exploited.ExploitConfirmed = true
	f.sec.records = []advisory.Record{exploited}

	logger, logs := newObservedLogger()
	f.opts.Logger = logger
	f.opts.MetricsPath = filepath.Join(t.TempDir(), "vulndigest.prom")

	report, err := New(f.opts).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Posted, 3)
	assert.Equal(t, "CVE-2024-0002", report.Posted[0].CVE, "highest CVSS first")
	assert.Equal(t, "CVE-2024-0001", report.Posted[1].CVE)
	assert.Equal(t, "CVE-2024-0003", report.Posted[2].CVE, "exploited record qualifies below the threshold")
	assert.Equal(t, "eligible: exploitation confirmed", report.Posted[2].Reason)
	assert.Equal(t, 102, report.Posted[1].PostID)

	assert.Equal(t, advisory.Funnel{Fetched: 4, AfterSeen: 4, AfterRecency: 3, AfterPolicy: 3}, report.Funnel)
	assert.Equal(t, map[string]int{"nvd": 4, "sec-gemini": 1, "jvn": 0}, report.FeedCounts)
	assert.Equal(t, 1, report.KEVCount)
	assert.Equal(t, testDay, report.Day)
	assert.Equal(t, 3, report.PublishedToday)
	assert.NotEmpty(t, report.RunID)

	require.Len(t, f.pub.drafts, 3)
	assert.Equal(t, "https://img.example/hero.png", f.pub.drafts[0].hero)
	assert.Contains(t, f.pub.drafts[0].body, "CVE-2024-0002")

	saved := f.store.snapshot()
	assert.Equal(t, 3, f.store.saves, "state is saved after every publish")
	assert.Equal(t, []string{"CVE-2024-0002", "CVE-2024-0001", "CVE-2024-0003"}, saved.Daily[testDay])
	assert.True(t, saved.IsAlreadySeen("CVE-2024-0001"))
	assert.False(t, saved.IsAlreadySeen("CVE-2024-0004"))

	assert.Equal(t, 1, logs.FilterMessage("Selection funnel.").Len())
	assert.Equal(t, 3, logs.FilterMessage("Posted draft.").Len())
	assert.Equal(t, 1, logs.FilterMessage("Posted 3 item(s) this run. Today total: 3/5").Len())

	prom, err := os.ReadFile(f.opts.MetricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `vulndigest_posts_total{result="posted"} 3`)
	assert.Contains(t, string(prom), `vulndigest_funnel_records{stage="after_recency"} 3`)
	assert.Contains(t, string(prom), `vulndigest_feed_records{feed="cisa-kev"} 1`)
}

func TestPipeline_StopsAtDailyLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.store.st.MarkPublished(fmt.Sprintf("CVE-2024-900%d", i), testDay)
	}
	f.store.st.MarkPublished("CVE-2023-0001", "2024-06-14")

	logger, logs := newObservedLogger()
	f.opts.Logger = logger

	report, err := New(f.opts).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Posted, 1)
	assert.Equal(t, "CVE-2024-0002", report.Posted[0].CVE)
	assert.Equal(t, 5, report.PublishedToday)
	assert.Equal(t, 1, logs.FilterMessage("Reached daily limit (5). Stop.").Len())
	assert.Len(t, f.store.snapshot().Daily[testDay], 5)
}

func TestPipeline_QuotaAlreadySpent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.store.st.MarkPublished(fmt.Sprintf("CVE-2024-900%d", i), testDay)
	}
	logger, logs := newObservedLogger()
	f.opts.Logger = logger

	report, err := New(f.opts).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.QuotaExhausted)
	assert.Empty(t, report.Posted)
	assert.Zero(t, f.nvd.calls.Load(), "feeds are not fetched once the quota is spent")
	assert.Equal(t, 1, logs.FilterMessage("Already posted 5 items today. Nothing to do.").Len())
}

func TestPipeline_SkipsSeenRecords(t *testing.T) {
	f := newFixture(t)
	f.store.st.MarkPublished("CVE-2024-0002", "2024-06-10")

	report, err := New(f.opts).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Funnel.AfterSeen)
	require.Len(t, report.Posted, 1)
	assert.Equal(t, "CVE-2024-0001", report.Posted[0].CVE)
}

func TestPipeline_NoCandidates(t *testing.T) {
	f := newFixture(t)
	f.nvd.records = []advisory.Record{rec("CVE-2024-0003", 5.0, 1)}
	logger, logs := newObservedLogger()
	f.opts.Logger = logger

	report, err := New(f.opts).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Posted)
	assert.Zero(t, f.store.saves)
	assert.Equal(t, 1, logs.FilterMessage("No candidates under the current policy (CVSS>=9.0 or exploited).").Len())
}

func TestPipeline_PublishFailureSkipsItem(t *testing.T) {
	f := newFixture(t)
	f.pub.failOn = map[string]error{"CVE-2024-0002": &publish.APIError{Endpoint: "/wp-json/wp/v2/posts", StatusCode: 500}}
	logger, logs := newObservedLogger()
	f.opts.Logger = logger

	report, err := New(f.opts).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "CVE-2024-0002", report.Failed[0].CVE)
	require.Len(t, report.Posted, 1)
	assert.Equal(t, "CVE-2024-0001", report.Posted[0].CVE)

	saved := f.store.snapshot()
	assert.False(t, saved.IsAlreadySeen("CVE-2024-0002"), "a failed item is retried on the next run")
	assert.Equal(t, 1, logs.FilterMessage("Failed to post draft.").Len())
}

func TestPipeline_FailedPublishRefillsQuota(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.store.st.MarkPublished(fmt.Sprintf("CVE-2024-900%d", i), testDay)
	}
	f.pub.failOn = map[string]error{"CVE-2024-0002": errors.New("connection reset")}
	logger, logs := newObservedLogger()
	f.opts.Logger = logger

	report, err := New(f.opts).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "CVE-2024-0002", report.Failed[0].CVE)
	require.Len(t, report.Posted, 1, "the freed slot goes to the next ranked candidate")
	assert.Equal(t, "CVE-2024-0001", report.Posted[0].CVE)
	assert.Equal(t, 5, report.PublishedToday)

	rounds := logs.FilterMessage("Selected candidates.").All()
	require.Len(t, rounds, 2)
	assert.EqualValues(t, 1, rounds[0].ContextMap()["planned"])
	assert.EqualValues(t, 1, rounds[1].ContextMap()["planned"])
	assert.Zero(t, logs.FilterMessage("Reached daily limit (5). Stop.").Len(), "the ranking ran out before the quota")
}

func TestPipeline_NotConfiguredAbortsRun(t *testing.T) {
	f := newFixture(t)
	f.pub.err = fmt.Errorf("wordpress: %w", publish.ErrNotConfigured)

	report, err := New(f.opts).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, publish.ErrNotConfigured)
	assert.Empty(t, report.Posted)
	assert.Zero(t, f.store.saves)
}

func TestPipeline_DryRunLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	f.opts.DryRun = true
	logger, logs := newObservedLogger()
	f.opts.Logger = logger

	report, err := New(f.opts).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	require.Len(t, report.Posted, 2)
	assert.Zero(t, report.Posted[0].PostID)
	assert.NotEmpty(t, report.Posted[0].Body)
	assert.Empty(t, f.pub.drafts)
	assert.Zero(t, f.store.saves)
	assert.Empty(t, f.store.snapshot().Seen)
	assert.Equal(t, 2, logs.FilterMessage("[dry-run] Would post draft.").Len())
}

func TestPipeline_StateErrors(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		f := newFixture(t)
		f.store.loadErr = errors.New("disk on fire")

		_, err := New(f.opts).Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load state")
		assert.Zero(t, f.nvd.calls.Load())
	})

	t.Run("save", func(t *testing.T) {
		f := newFixture(t)
		f.store.saveErr = errors.New("read-only file system")

		report, err := New(f.opts).Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to save state after publishing CVE-2024-0002")
		assert.Len(t, f.pub.drafts, 1, "the run stops after the first publish it cannot record")
		assert.Empty(t, report.Posted)
	})
}

func TestPipeline_UsesEnrichedArticle(t *testing.T) {
	f := newFixture(t)
	f.opts.Enricher = &fakeEnricher{articles: map[string]enrich.Article{
		"CVE-2024-0002": {Title: "Enriched title", BodyMarkdown: "## Enriched CVE-2024-0002"},
	}}

	report, err := New(f.opts).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.pub.drafts, 2)
	assert.Equal(t, "Enriched title", f.pub.drafts[0].title)
	assert.Equal(t, "## Enriched CVE-2024-0002", f.pub.drafts[0].body)
	assert.Equal(t, "Enriched title", report.Posted[0].Title)
	assert.NotEqual(t, "Enriched title", f.pub.drafts[1].title)
}

func TestPipeline_CancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(f.opts).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.pub.drafts)
}

func TestCompose(t *testing.T) {
	r := rec("CVE-2024-0001", 9.1, 1)

	title, body := Compose(enrich.Article{}, r)
	assert.Equal(t, render.Title(r), title)
	assert.Equal(t, render.Markdown(r), body)

	title, body = Compose(enrich.Article{Title: "  Custom  ", BodyMarkdown: " "}, r)
	assert.Equal(t, "Custom", title)
	assert.Equal(t, render.Markdown(r), body, "a blank body falls back to the rendered article")
}
