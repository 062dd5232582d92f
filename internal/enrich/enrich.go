// internal/enrich/enrich.go
package enrich

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
)

// ReferenceLabel labels links chosen by the summarizer.
const ReferenceLabel = "参考情報"

// officialTags mark NVD references that come from the vendor itself.
var officialTags = []string{"vendor advisory", "patch", "release notes", "product"}

// Article is a ready-made title and Markdown body. Either may be empty, in
// which case the caller renders its own.
type Article struct {
	Title        string
	BodyMarkdown string
}

// Enricher gathers web context for a record and folds a summary of it back in.
type Enricher struct {
	search      *Chain
	client      HTTPClient
	summarizer  Summarizer
	maxPages    int
	maxBlobSize int
	logger      *zap.Logger
}

// NewEnricher wires the pieces together. A nil summarizer skips the model
// and only reorders references.
func NewEnricher(search *Chain, client HTTPClient, summarizer Summarizer, maxPages, maxBlobSize int, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if search == nil {
		search = NewChain(logger)
	}
	return &Enricher{
		search:      search,
		client:      client,
		summarizer:  summarizer,
		maxPages:    maxPages,
		maxBlobSize: maxBlobSize,
		logger:      logger.Named("enrich"),
	}
}

// Enrich never fails: every step degrades to leaving the record as it was.
func (e *Enricher) Enrich(ctx context.Context, rec advisory.Record) (Article, advisory.Record) {
	rec = rec.Clone()
	log := e.logger.With(zap.String("cve", rec.CVE))

	var article Article
	if e.summarizer != nil {
		urls := e.search.Collect(ctx, rec.CVE)
		blobs := e.fetchBlobs(ctx, urls)
		log.Debug("Collected enrichment context.", zap.Int("urls", len(urls)), zap.Int("blobs", len(blobs)))

		sum, err := e.summarizer.Summarize(ctx, rec.CVE, blobs)
		if err != nil {
			log.Warn("Summarization failed, keeping feed data.", zap.Error(err))
		} else {
			article = Apply(&rec, sum)
		}
	}

	if !hasLabel(rec.References, ReferenceLabel) {
		rec.References = OfficialFirst(rec.References)
	}
	return article, rec
}

// fetchBlobs downloads pages in order until maxPages texts were extracted.
func (e *Enricher) fetchBlobs(ctx context.Context, urls []string) []string {
	var blobs []string
	for _, u := range urls {
		if e.maxPages > 0 && len(blobs) >= e.maxPages {
			break
		}
		if ctx.Err() != nil {
			break
		}
		body, err := getOK(ctx, e.client, u, nil)
		if err != nil {
			e.logger.Debug("Skipping page.", zap.String("url", u), zap.Error(err))
			continue
		}
		if text := ExtractText(body); text != "" {
			blobs = append(blobs, truncateRunes(text, e.maxBlobSize))
		}
	}
	return blobs
}

// Apply folds sum into rec without destroying data: empty fields are
// ignored and exploitation can only be upgraded.
func Apply(rec *advisory.Record, sum *Summary) Article {
	if sum.Empty() {
		return Article{}
	}
	if sum.Vendor != "" {
		rec.Vendor = sum.Vendor
	}
	if sum.Product != "" {
		rec.Product = sum.Product
	}
	if sum.SummaryJA != "" {
		rec.Summary = sum.SummaryJA
		rec.Description = sum.SummaryJA
	}
	if sum.Exploited != nil && *sum.Exploited {
		rec.ExploitConfirmed = true
	}
	if len(sum.TopLinks) > 0 {
		refs := make([]advisory.Reference, 0, len(sum.TopLinks))
		for _, u := range sum.TopLinks {
			refs = append(refs, advisory.NewReference(ReferenceLabel, u))
		}
		rec.References = refs
	}
	return Article{Title: sum.Title, BodyMarkdown: sum.BodyMarkdown}
}

// OfficialFirst moves references tagged as vendor material ahead of the
// rest, keeping relative order, so the primary link is an official one.
func OfficialFirst(refs []advisory.Reference) []advisory.Reference {
	if len(refs) < 2 {
		return refs
	}
	official := make([]advisory.Reference, 0, len(refs))
	var rest []advisory.Reference
	for _, r := range refs {
		if isOfficial(r) {
			official = append(official, r)
		} else {
			rest = append(rest, r)
		}
	}
	return append(official, rest...)
}

func isOfficial(r advisory.Reference) bool {
	for _, tag := range officialTags {
		if r.HasTag(tag) {
			return true
		}
	}
	return false
}

func hasLabel(refs []advisory.Reference, label string) bool {
	for _, r := range refs {
		if r.Label == label {
			return true
		}
	}
	return false
}
