// File: internal/feeds/jvn.go
package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
	"github.com/xkilldash9x/vulndigest/internal/config"
)

const jvnReferenceLabel = "JVN"

// JVN fetches vulnerability overviews from the MyJVN API.
type JVN struct {
	cfg          config.JVNConfig
	lookbackDays int
	client       HTTPClient
	logger       *zap.Logger
	now          func() time.Time
}

// NewJVN creates the MyJVN adapter.
func NewJVN(cfg config.JVNConfig, lookbackDays int, client HTTPClient, logger *zap.Logger) *JVN {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JVN{
		cfg:          cfg,
		lookbackDays: lookbackDays,
		client:       client,
		logger:       logger.Named("feeds.jvn"),
		now:          time.Now,
	}
}

func (j *JVN) Name() advisory.Source { return advisory.SourceJVN }

// Fetch returns the overviews published inside the lookback window.
func (j *JVN) Fetch(ctx context.Context) []advisory.Record {
	records, err := j.fetch(ctx)
	if err != nil {
		j.logger.Warn("Failed to fetch JVN feed.", zap.Error(err))
		return nil
	}
	j.logger.Debug("JVN feed fetched.", zap.Int("records", len(records)))
	return records
}

func (j *JVN) fetch(ctx context.Context) ([]advisory.Record, error) {
	body, err := getOK(ctx, j.client, j.queryURL(), nil)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return decodeJVNXML(trimmed)
	}
	return decodeJVNJSON(trimmed)
}

func (j *JVN) queryURL() string {
	// MyJVN uses calendar days in JST for its date range parameters.
	jst := time.FixedZone("JST", 9*60*60)
	end := j.now().In(jst)
	start := end.AddDate(0, 0, -j.lookbackDays)

	q := url.Values{}
	q.Set("method", "getVulnOverviewList")
	q.Set("feed", "hnd")
	q.Set("rangeDatePublic", "n")
	q.Set("rangeDatePublished", "n")
	q.Set("rangeDateFirstPublished", "n")
	q.Set("datePublicStartY", strconv.Itoa(start.Year()))
	q.Set("datePublicStartM", strconv.Itoa(int(start.Month())))
	q.Set("datePublicStartD", strconv.Itoa(start.Day()))
	q.Set("datePublicEndY", strconv.Itoa(end.Year()))
	q.Set("datePublicEndM", strconv.Itoa(int(end.Month())))
	q.Set("datePublicEndD", strconv.Itoa(end.Day()))
	return j.cfg.URL + "?" + q.Encode()
}

// jvnEntry is the format-independent view of one overview item.
type jvnEntry struct {
	identifier  string
	cves        []string
	title       string
	description string
	issued      string
	score       string
	link        string
	cpe         string
	vendor      string
	product     string
}

// records expands an entry into one record per referenced CVE. An entry
// without CVE references is keyed by its JVN identifier.
func (e jvnEntry) records() []advisory.Record {
	ids := e.cves
	if len(ids) == 0 && e.identifier != "" {
		ids = []string{e.identifier}
	}

	vendor, product := e.vendor, e.product
	if vendor == "" && product == "" {
		vendor, product = advisory.ParseCPE(e.cpe)
	}
	var refs []advisory.Reference
	if e.link != "" {
		refs = append(refs, advisory.NewReference(jvnReferenceLabel, e.link))
	}
	description := e.description
	if description == "" {
		description = e.title
	}

	out := make([]advisory.Record, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, advisory.Record{
			CVE:         id,
			Summary:     e.title,
			Description: description,
			Published:   advisory.ToInstantUTC(e.issued),
			CVSS:        advisory.ParseFloat(e.score),
			Vendor:      vendor,
			Product:     product,
			References:  refs,
			Source:      advisory.SourceJVN,
		})
	}
	return out
}

// decodeJVNXML reads the RDF/XML rendering of getVulnOverviewList.
func decodeJVNXML(body []byte) ([]advisory.Record, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("malformed JVN XML: %w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("malformed JVN XML: no root element")
	}

	var records []advisory.Record
	for _, item := range doc.FindElements("//item") {
		e := jvnEntry{
			identifier:  childText(item, "sec:identifier"),
			title:       childText(item, "title"),
			description: childText(item, "description"),
			issued:      firstNonEmpty(childText(item, "dcterms:issued"), childText(item, "dc:date")),
			link:        childText(item, "link"),
		}
		for _, ref := range item.SelectElements("sec:references") {
			if strings.EqualFold(ref.SelectAttrValue("source", ""), "CVE") {
				e.cves = append(e.cves, firstNonEmpty(ref.SelectAttrValue("id", ""), ref.Text()))
			}
		}
		if cvss := item.SelectElement("sec:cvss"); cvss != nil {
			e.score = cvss.SelectAttrValue("score", "")
		}
		if cpe := item.SelectElement("sec:cpe"); cpe != nil {
			e.cpe = strings.TrimSpace(cpe.Text())
			e.vendor = strings.ReplaceAll(cpe.SelectAttrValue("vendor", ""), "_", " ")
			e.product = strings.ReplaceAll(cpe.SelectAttrValue("product", ""), "_", " ")
		}
		records = append(records, e.records()...)
	}
	return records, nil
}

func childText(e *etree.Element, tag string) string {
	if c := e.SelectElement(tag); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

// jvnJSONItem mirrors the JSON rendering, where text nodes become {"$t": ...}
// objects and attributes keep their XML names.
type jvnJSONItem struct {
	Identifier  json.RawMessage `json:"sec:identifier"`
	Title       json.RawMessage `json:"title"`
	Description json.RawMessage `json:"description"`
	Issued      json.RawMessage `json:"dcterms:issued"`
	SecIssued   json.RawMessage `json:"sec:issued"`
	Published   json.RawMessage `json:"published"`
	CVSS        json.RawMessage `json:"sec:cvss"`
	Link        json.RawMessage `json:"link"`
	References  json.RawMessage `json:"sec:references"`
	CPE         json.RawMessage `json:"sec:cpe"`
}

type jvnText struct {
	T      string `json:"$t"`
	Value  string `json:"value"`
	Href   string `json:"@href"`
	Href2  string `json:"href"`
	Score  string `json:"score"`
	Score2 string `json:"sec:score"`
	ID     string `json:"id"`
	Source string `json:"source"`
}

func decodeJVNJSON(body []byte) ([]advisory.Record, error) {
	var doc struct {
		Item     []jvnJSONItem `json:"item"`
		Items    []jvnJSONItem `json:"items"`
		VulnInfo []jvnJSONItem `json:"vulninfo"`
	}
	if err := jsonCodec.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("malformed JVN JSON: %w", err)
	}
	items := doc.Item
	if len(items) == 0 {
		items = doc.Items
	}
	if len(items) == 0 {
		items = doc.VulnInfo
	}

	var records []advisory.Record
	for _, it := range items {
		e := jvnEntry{
			title:       jvnString(it.Title),
			description: jvnString(it.Description),
			issued:      firstNonEmpty(jvnString(it.Issued), jvnString(it.SecIssued), jvnString(it.Published)),
		}
		for _, id := range jvnNodes(it.Identifier) {
			text := firstNonEmpty(id.T, id.Value)
			if strings.HasPrefix(text, "CVE-") {
				e.cves = append(e.cves, text)
			} else if e.identifier == "" {
				e.identifier = text
			}
		}
		for _, ref := range jvnNodes(it.References) {
			if strings.EqualFold(ref.Source, "CVE") {
				e.cves = append(e.cves, firstNonEmpty(ref.ID, ref.T))
			}
		}
		if nodes := jvnNodes(it.CVSS); len(nodes) > 0 {
			e.score = firstNonEmpty(nodes[0].Score, nodes[0].Score2, nodes[0].T)
		}
		if nodes := jvnNodes(it.Link); len(nodes) > 0 {
			e.link = firstNonEmpty(nodes[0].Href, nodes[0].Href2, nodes[0].T)
		}
		if nodes := jvnNodes(it.CPE); len(nodes) > 0 {
			e.cpe = nodes[0].T
		}
		records = append(records, e.records()...)
	}
	return records, nil
}

// jvnNodes decodes a value that may be a bare string, one node, or a list of nodes.
func jvnNodes(raw json.RawMessage) []jvnText {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '"':
		return []jvnText{{T: advisory.ToString(raw)}}
	case '{':
		var node jvnText
		if err := jsonCodec.Unmarshal(raw, &node); err != nil {
			return nil
		}
		return []jvnText{node}
	case '[':
		var elems []json.RawMessage
		if err := jsonCodec.Unmarshal(raw, &elems); err != nil {
			return nil
		}
		var out []jvnText
		for _, elem := range elems {
			out = append(out, jvnNodes(elem)...)
		}
		return out
	}
	return nil
}

func jvnString(raw json.RawMessage) string {
	if nodes := jvnNodes(raw); len(nodes) > 0 {
		return strings.TrimSpace(firstNonEmpty(nodes[0].T, nodes[0].Value))
	}
	return ""
}
