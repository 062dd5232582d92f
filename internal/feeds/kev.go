// File: internal/feeds/kev.go
package feeds

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
	"github.com/xkilldash9x/vulndigest/internal/config"
)

// KEV reads the CISA Known Exploited Vulnerabilities catalog.
type KEV struct {
	cfg    config.KEVConfig
	client HTTPClient
	logger *zap.Logger
}

// NewKEV creates the KEV adapter.
func NewKEV(cfg config.KEVConfig, client HTTPClient, logger *zap.Logger) *KEV {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KEV{cfg: cfg, client: client, logger: logger.Named("feeds.kev")}
}

// FetchIDs returns the catalog's CVE identifiers. The JSON rendering is tried
// first and the CSV rendering second; the first non-empty set is returned as
// is, so results are never combined across the two.
func (k *KEV) FetchIDs(ctx context.Context) advisory.IDSet {
	ids, err := k.fetch(ctx)
	if err != nil {
		k.logger.Warn("Failed to fetch CISA KEV catalog.", zap.Error(err))
		return advisory.NewIDSet()
	}
	k.logger.Debug("CISA KEV catalog fetched.", zap.Int("ids", len(ids)))
	return ids
}

type kevSource struct {
	url    string
	decode func([]byte) (advisory.IDSet, error)
}

func (k *KEV) fetch(ctx context.Context) (advisory.IDSet, error) {
	sources := []kevSource{
		{url: k.cfg.JSONURL, decode: decodeKEVJSON},
		{url: k.cfg.CSVURL, decode: decodeKEVCSV},
	}

	var errs []error
	for _, src := range sources {
		if strings.TrimSpace(src.url) == "" {
			continue
		}
		body, err := getOK(ctx, k.client, src.url, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids, err := src.decode(body)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.url, err))
			continue
		}
		if len(ids) > 0 {
			return ids, nil
		}
		errs = append(errs, fmt.Errorf("%s: catalog is empty", src.url))
	}
	if len(errs) == 0 {
		return advisory.NewIDSet(), nil
	}
	return advisory.NewIDSet(), errors.Join(errs...)
}

func decodeKEVJSON(body []byte) (advisory.IDSet, error) {
	var doc struct {
		Vulnerabilities []struct {
			CVEID string `json:"cveID"`
		} `json:"vulnerabilities"`
	}
	// Key matching is case-insensitive, which also covers "cveId" and
	// "Vulnerabilities" in older catalog versions.
	if err := jsonCodec.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("malformed KEV JSON: %w", err)
	}
	ids := advisory.NewIDSet()
	for _, v := range doc.Vulnerabilities {
		ids.Add(v.CVEID)
	}
	return ids, nil
}

func decodeKEVCSV(body []byte) (advisory.IDSet, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("malformed KEV CSV header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")), "cveID") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errors.New("malformed KEV CSV: no cveID column")
	}

	ids := advisory.NewIDSet()
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return ids, nil
		}
		if err != nil {
			return nil, fmt.Errorf("malformed KEV CSV row: %w", err)
		}
		if col < len(row) {
			ids.Add(row[col])
		}
	}
}
