// internal/publish/wordpress.go
package publish

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vulndigest/internal/config"
	"github.com/xkilldash9x/vulndigest/internal/llmutil"
	"github.com/xkilldash9x/vulndigest/internal/render"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// maxErrorBody caps, in runes, how much of a rejected response is kept.
const maxErrorBody = 300

// ErrNotConfigured reports missing CMS settings. It is fatal for a run.
var ErrNotConfigured = config.ErrPublishNotConfigured

const (
	postsPath = "/wp-json/wp/v2/posts"
	mediaPath = "/wp-json/wp/v2/media"

	maxImageSize    = 20 << 20
	maxResponseSize = 1 << 20
)

// Doer sends HTTP requests. *network.Client and *http.Client both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx answer from the CMS.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wordpress API error: %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// WordPress creates draft posts through the WordPress REST API using an
// application password.
type WordPress struct {
	cfg    config.PublishConfig
	http   Doer
	logger *zap.Logger
}

// NewWordPress does not validate cfg; CreateDraft does, so a run without
// candidates never needs CMS credentials.
func NewWordPress(cfg config.PublishConfig, doer Doer, logger *zap.Logger) *WordPress {
	if logger == nil {
		logger = zap.NewNop()
	}
	if doer == nil {
		doer = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &WordPress{cfg: cfg, http: doer, logger: logger.Named("publish.wordpress")}
}

type postRequest struct {
	Title         string `json:"title"`
	Status        string `json:"status"`
	Content       string `json:"content"`
	FeaturedMedia int    `json:"featured_media,omitempty"`
}

type idResponse struct {
	ID int `json:"id"`
}

// CreateDraft renders markdown, prefixes the hero image and creates a draft
// post, returning its ID. A failed hero upload only costs the featured image.
func (w *WordPress) CreateDraft(ctx context.Context, title, markdown, heroURL string) (int, error) {
	if err := w.cfg.Validate(); err != nil {
		return 0, err
	}

	body, err := render.ToHTML(markdown)
	if err != nil {
		return 0, err
	}

	req := postRequest{Title: title, Status: "draft", Content: body}
	if heroURL = strings.TrimSpace(heroURL); heroURL != "" {
		req.Content = heroFigure(heroURL) + req.Content
		mediaID, err := w.uploadMedia(ctx, heroURL)
		if err != nil {
			w.logger.Warn("Hero image upload failed, continuing without a featured image.",
				zap.String("hero_url", heroURL), zap.Error(err))
		}
		req.FeaturedMedia = mediaID
	}

	payload, err := jsonCodec.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("failed to encode post: %w", err)
	}

	id, err := w.send(ctx, postsPath, bytes.NewReader(payload), map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return 0, err
	}
	w.logger.Debug("Draft created.", zap.Int("post_id", id), zap.String("title", title))
	return id, nil
}

func heroFigure(heroURL string) string {
	return `<figure class="wp-block-image size-large">` +
		`<img src="` + html.EscapeString(heroURL) + `" alt="脆弱性情報" />` +
		"</figure>\n\n"
}

// uploadMedia downloads the image and re-uploads it as an attachment.
func (w *WordPress) uploadMedia(ctx context.Context, imageURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build image request: %w", err)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download hero image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, fmt.Errorf("failed to download hero image: status %d", resp.StatusCode)
	}
	image, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return 0, fmt.Errorf("failed to read hero image: %w", err)
	}

	filename := heroFilename(imageURL)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return w.send(ctx, mediaPath, bytes.NewReader(image), map[string]string{
		"Content-Type":        contentType,
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, filename),
	})
}

// heroFilename keeps only the extension of the source file; some themes
// reject non-ASCII attachment names.
func heroFilename(imageURL string) string {
	ext := ".jpg"
	if u, err := url.Parse(imageURL); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = strings.ToLower(e)
		}
	}
	return "hero" + ext
}

// send POSTs body to the endpoint and returns the "id" of the created object.
func (w *WordPress) send(ctx context.Context, endpoint string, body io.Reader, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL+endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build request for %s: %w", endpoint, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.SetBasicAuth(strings.TrimSpace(w.cfg.User), strings.TrimSpace(w.cfg.AppPassword))

	resp, err := w.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, fmt.Errorf("failed to read response from %s: %w", endpoint, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: llmutil.Truncate(string(respBody), maxErrorBody)}
	}

	var created idResponse
	if err := jsonCodec.Unmarshal(respBody, &created); err != nil {
		return 0, fmt.Errorf("unexpected response from %s: %w", endpoint, err)
	}
	if created.ID == 0 {
		return 0, fmt.Errorf("unexpected response from %s: no id in %s", endpoint, llmutil.Truncate(string(respBody), maxErrorBody))
	}
	return created.ID, nil
}
