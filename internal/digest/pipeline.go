// internal/digest/pipeline.go
package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
	"github.com/xkilldash9x/vulndigest/internal/enrich"
	"github.com/xkilldash9x/vulndigest/internal/feeds"
	"github.com/xkilldash9x/vulndigest/internal/observability"
	"github.com/xkilldash9x/vulndigest/internal/publish"
	"github.com/xkilldash9x/vulndigest/internal/render"
	"github.com/xkilldash9x/vulndigest/internal/state"
)

// Enricher adds web and model context to a record.
type Enricher interface {
	Enrich(ctx context.Context, rec advisory.Record) (enrich.Article, advisory.Record)
}

// Publisher creates a draft post and returns its ID.
type Publisher interface {
	CreateDraft(ctx context.Context, title, markdown, heroURL string) (int, error)
}

// Options configures a Pipeline. Primary is folded first; Secondaries are
// folded after it in order.
type Options struct {
	Primary      feeds.Feed
	Secondaries  []feeds.Feed
	KEV          feeds.IDFeed
	Store        state.Store
	Enricher     Enricher
	Publisher    Publisher
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	LookbackDays int
	DailyLimit   int
	HeroImageURL string
	DryRun       bool
	MetricsPath  string
	Now          func() time.Time
}

// Pipeline runs one digest from feed fetch to state update.
type Pipeline struct {
	opts   Options
	logger *zap.Logger
}

// Posted describes one draft created, or rendered in a dry run.
type Posted struct {
	CVE    string `json:"cve"`
	PostID int    `json:"post_id,omitempty"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
	Body   string `json:"-"`
}

// Failure is a candidate whose publish failed.
type Failure struct {
	CVE   string `json:"cve"`
	Error string `json:"error"`
}

// Report summarizes a run.
type Report struct {
	RunID          string          `json:"run_id"`
	Day            string          `json:"day"`
	DryRun         bool            `json:"dry_run"`
	QuotaExhausted bool            `json:"quota_exhausted"`
	FeedCounts     map[string]int  `json:"feed_counts"`
	KEVCount       int             `json:"kev_count"`
	Funnel         advisory.Funnel `json:"funnel"`
	Posted         []Posted        `json:"posted"`
	Failed         []Failure       `json:"failed"`
	PublishedToday int             `json:"published_today"`
}

// New fills in defaults for optional collaborators.
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = advisory.DailyLimit
	}
	return &Pipeline{opts: opts, logger: opts.Logger.Named("digest")}
}

// Run executes one digest. It returns an error only when the run cannot
// continue, i.e. state persistence fails or publishing is not configured.
// Anything else is logged and the affected feed or item is skipped.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:      uuid.NewString(),
		DryRun:     p.opts.DryRun,
		FeedCounts: map[string]int{},
	}
	log := p.logger.With(zap.String("run_id", report.RunID))
	defer p.finish(log)

	st, err := p.opts.Store.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load state: %w", err)
	}

	now := p.opts.Now()
	day := state.Day(now)
	report.Day = day
	report.PublishedToday = st.CountPublishedToday(day)

	if report.PublishedToday >= p.opts.DailyLimit {
		report.QuotaExhausted = true
		log.Info(fmt.Sprintf("Already posted %d items today. Nothing to do.", p.opts.DailyLimit), zap.String("day", day))
		return report, nil
	}

	set := p.collect(ctx, log, report)
	candidates, funnel := advisory.Candidates(set, st, p.opts.LookbackDays, now)
	report.Funnel = funnel
	p.recordFunnel(log, funnel)

	if len(candidates) == 0 {
		log.Info("No candidates under the current policy (CVSS>=9.0 or exploited).")
		return report, nil
	}

	// A dry run works on a copy so the quota arithmetic still applies
	// without touching the stored state.
	work := st
	if p.opts.DryRun {
		work = st.Clone()
	}

	ranked := advisory.Rank(candidates)
	log.Info("Ranked candidates.",
		zap.Int("ranked", len(ranked)),
		zap.Int("remaining_quota", advisory.Remaining(report.PublishedToday, p.opts.DailyLimit)),
	)

	// Each round publishes the head that fits the open quota. A failed
	// publish leaves its slot open, so the next round refills it from the
	// rest of the ranking.
	queue := ranked
	for round := 1; ; round++ {
		batch := advisory.Select(queue, work.CountPublishedToday(day), p.opts.DailyLimit)
		if len(batch) == 0 {
			if len(queue) > 0 {
				log.Info(fmt.Sprintf("Reached daily limit (%d). Stop.", p.opts.DailyLimit))
			}
			break
		}
		queue = queue[len(batch):]
		log.Debug("Selected candidates.", zap.Int("round", round), zap.Int("planned", len(batch)))

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			posted, err := p.processOne(ctx, log, rec)
			if errors.Is(err, publish.ErrNotConfigured) {
				return report, err
			}
			if err != nil {
				report.Failed = append(report.Failed, Failure{CVE: rec.CVE, Error: err.Error()})
				continue
			}

			work.MarkPublished(rec.CVE, day)
			if !p.opts.DryRun {
				if err := p.opts.Store.Save(ctx, work); err != nil {
					return report, fmt.Errorf("failed to save state after publishing %s: %w", rec.CVE, err)
				}
			}
			report.Posted = append(report.Posted, posted)
		}
	}

	report.PublishedToday = work.CountPublishedToday(day)
	if len(report.Posted) == 0 {
		log.Info("Nothing new posted.")
	} else {
		log.Info(fmt.Sprintf("Posted %d item(s) this run. Today total: %d/%d",
			len(report.Posted), report.PublishedToday, p.opts.DailyLimit),
			zap.Bool("dry_run", p.opts.DryRun))
	}
	return report, nil
}

// collect fetches every feed concurrently, then merges in the fixed order.
func (p *Pipeline) collect(ctx context.Context, log *zap.Logger, report *Report) *advisory.Set {
	all := append([]feeds.Feed{p.opts.Primary}, p.opts.Secondaries...)
	results := make([][]advisory.Record, len(all))
	kev := advisory.NewIDSet()

	// Feeds never return errors, so the group only coordinates completion.
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range all {
		if f == nil {
			continue
		}
		g.Go(func() error {
			results[i] = f.Fetch(gctx)
			return nil
		})
	}
	if p.opts.KEV != nil {
		g.Go(func() error {
			kev = p.opts.KEV.FetchIDs(gctx)
			return nil
		})
	}
	_ = g.Wait()

	fields := make([]zap.Field, 0, len(all)+2)
	for i, f := range all {
		if f == nil {
			continue
		}
		name := string(f.Name())
		report.FeedCounts[name] = len(results[i])
		p.opts.Metrics.FeedRecords.WithLabelValues(name).Set(float64(len(results[i])))
		fields = append(fields, zap.Int(name, len(results[i])))
	}
	report.KEVCount = len(kev)
	p.opts.Metrics.FeedRecords.WithLabelValues("cisa-kev").Set(float64(len(kev)))

	set := advisory.Merge(results[0], kev, results[1:]...)
	fields = append(fields, zap.Int("cisa_kev", len(kev)), zap.Int("merged", set.Len()))
	log.Info("Fetched feeds.", fields...)
	return set
}

func (p *Pipeline) recordFunnel(log *zap.Logger, f advisory.Funnel) {
	stages := p.opts.Metrics.FunnelStage
	stages.WithLabelValues("fetched").Set(float64(f.Fetched))
	stages.WithLabelValues("after_seen").Set(float64(f.AfterSeen))
	stages.WithLabelValues("after_recency").Set(float64(f.AfterRecency))
	stages.WithLabelValues("after_policy").Set(float64(f.AfterPolicy))

	log.Info("Selection funnel.",
		zap.Int("fetched", f.Fetched),
		zap.Int("after_seen", f.AfterSeen),
		zap.Int("after_recency", f.AfterRecency),
		zap.Int("lookback_days", p.opts.LookbackDays),
		zap.Int("after_policy", f.AfterPolicy),
	)
}

// processOne enriches, renders and publishes a single candidate.
func (p *Pipeline) processOne(ctx context.Context, log *zap.Logger, rec advisory.Record) (Posted, error) {
	var article enrich.Article
	if p.opts.Enricher != nil {
		article, rec = p.opts.Enricher.Enrich(ctx, rec)
	}
	title, body := Compose(article, rec)
	reason := advisory.PolicyReason(rec)
	posted := Posted{CVE: rec.CVE, Title: title, Reason: reason, Body: body}

	if p.opts.DryRun {
		p.opts.Metrics.PostsTotal.WithLabelValues("dry_run").Inc()
		log.Info("[dry-run] Would post draft.", zap.String("cve", rec.CVE), zap.String("title", title), zap.String("reason", reason))
		return posted, nil
	}

	id, err := p.opts.Publisher.CreateDraft(ctx, title, body, p.opts.HeroImageURL)
	if err != nil {
		p.opts.Metrics.PostsTotal.WithLabelValues("failed").Inc()
		if !errors.Is(err, publish.ErrNotConfigured) {
			log.Error("Failed to post draft.", zap.String("cve", rec.CVE), zap.Error(err))
		}
		return Posted{}, err
	}

	p.opts.Metrics.PostsTotal.WithLabelValues("posted").Inc()
	posted.PostID = id
	log.Info("Posted draft.", zap.String("cve", rec.CVE), zap.Int("post_id", id), zap.String("reason", reason))
	return posted, nil
}

// Compose prefers the enriched article and falls back to the deterministic
// rendering for whatever part is missing.
func Compose(article enrich.Article, rec advisory.Record) (title, body string) {
	title = strings.TrimSpace(article.Title)
	if title == "" {
		title = render.Title(rec)
	}
	body = strings.TrimSpace(article.BodyMarkdown)
	if body == "" {
		body = render.Markdown(rec)
	}
	return title, body
}

func (p *Pipeline) finish(log *zap.Logger) {
	p.opts.Metrics.LastRunStamp.Set(float64(p.opts.Now().Unix()))
	if err := p.opts.Metrics.WriteTextfile(p.opts.MetricsPath); err != nil {
		log.Warn("Could not write metrics.", zap.Error(err))
	}
}
