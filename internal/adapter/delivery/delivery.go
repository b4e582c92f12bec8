// Package delivery implements the Delivery Pipeline (C7): fetch the
// result artifact, sniff its real content type, classify it, pick the
// right ChatTransport method, and fall back to a URL message on failure
// or oversized payloads. Content sniffing is grounded on the teacher's
// go.mod choice of gabriel-vasile/mimetype, generalized from the
// teacher's upload-validation use to outbound delivery.
package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/observability"
)

// fetchBackoff is the fixed retry schedule from spec §4.7 (attempts 4,
// backoff [0.5, 1.0, 2.0]).
var fetchBackoff = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
}

const fetchTimeout = 30 * time.Second

// Pipeline implements the Delivery Pipeline against a domain.ChatTransport.
// Store records the delivery row jointly owned with the Pending Reconciler.
type Pipeline struct {
	httpClient      *http.Client
	transport       domain.ChatTransport
	Store           domain.DeliveryStore
	safeUploadBytes int64
	filenamePrefix  string
}

// New builds a Pipeline. safeUploadBytes<=0 defaults to 45 MiB.
func New(transport domain.ChatTransport, store domain.DeliveryStore, safeUploadBytes int64, filenamePrefix string) *Pipeline {
	if safeUploadBytes <= 0 {
		safeUploadBytes = 45 * 1024 * 1024
	}
	return &Pipeline{
		httpClient:      &http.Client{Timeout: fetchTimeout},
		transport:       transport,
		Store:           store,
		safeUploadBytes: safeUploadBytes,
		filenamePrefix:  filenamePrefix,
	}
}

// Deliver ships every URL in result to chatID, falling back to a text
// message with the direct link on fetch failure, transport failure, or
// oversized payload. HTML-looking content gets a warning message instead
// and never counts as delivered. It returns delivered=true if at least one
// group of items reached the user (natively or by link fallback), or, for
// a text-only result, if the text message sent successfully. The attempt is
// recorded in the DeliveryRecord regardless of outcome (spec §4.7 step 6).
func (p *Pipeline) Deliver(ctx context.Context, userID, chatID string, result domain.JobResult) (delivered bool, err error) {
	if reserved, rerr := p.Store.Reserve(ctx, userID, result.TaskID); rerr != nil {
		return false, fmt.Errorf("op=delivery.Deliver reserve: %w", rerr)
	} else if !reserved {
		if existing, ok, gerr := p.Store.Get(ctx, userID, result.TaskID); gerr == nil && ok {
			return existing.Status == domain.DeliveryDelivered, nil
		}
		return false, nil
	}

	delivered, err = p.deliver(ctx, chatID, result)
	if err != nil {
		_ = p.Store.MarkFailed(ctx, userID, result.TaskID, err.Error())
		return delivered, err
	}
	if delivered {
		_ = p.Store.MarkDelivered(ctx, userID, result.TaskID, result.URLs)
	} else {
		_ = p.Store.MarkFailed(ctx, userID, result.TaskID, "no item delivered")
	}
	return delivered, nil
}

func (p *Pipeline) deliver(ctx context.Context, chatID string, result domain.JobResult) (bool, error) {
	lg := observability.LoggerFromContext(ctx)

	if len(result.URLs) == 0 {
		if result.Text == "" {
			return false, domain.NewCodedError(domain.ErrCodeResultEmpty, "", "", domain.ErrResultParse)
		}
		if err := p.transport.SendMessage(ctx, chatID, result.Text); err != nil {
			return false, domain.NewCodedError(domain.ErrCodeDeliveryFailed, "", "", err)
		}
		return true, nil
	}

	groups := p.groupSiblings(ctx, result.URLs)
	anyDelivered := false
	for _, g := range groups {
		if p.deliverGroup(ctx, chatID, g, result.Text) {
			anyDelivered = true
		}
	}

	if result.Text != "" {
		if err := p.transport.SendMessage(ctx, chatID, result.Text); err != nil {
			lg.Warn("delivery text message failed", "error", err)
		}
	}
	return anyDelivered, nil
}

type sniffedItem struct {
	url         string
	method      string
	contentType string
	oversized   bool
	fetchErr    error
}

func (p *Pipeline) groupSiblings(ctx context.Context, urls []string) [][]sniffedItem {
	items := make([]sniffedItem, 0, len(urls))
	for _, u := range urls {
		items = append(items, p.fetchAndSniff(ctx, u))
	}

	var groups [][]sniffedItem
	for _, item := range items {
		if len(groups) > 0 {
			last := groups[len(groups)-1]
			if sameGroupMethod(last[0].method, item.method) && !last[0].oversized && !item.oversized && last[0].fetchErr == nil && item.fetchErr == nil {
				groups[len(groups)-1] = append(last, item)
				continue
			}
		}
		groups = append(groups, []sniffedItem{item})
	}
	return groups
}

func sameGroupMethod(a, b string) bool {
	return (a == "send_photo" || a == "send_video") && a == b
}

func (p *Pipeline) fetchAndSniff(ctx context.Context, rawURL string) sniffedItem {
	body, contentType, err := p.fetch(ctx, rawURL)
	if err != nil {
		return sniffedItem{url: rawURL, fetchErr: err}
	}
	if int64(len(body)) > p.safeUploadBytes {
		return sniffedItem{url: rawURL, contentType: contentType, oversized: true}
	}
	resolved := resolveContentType(body, contentType, rawURL)
	return sniffedItem{url: rawURL, method: methodFor(resolved), contentType: resolved}
}

// fetch performs the HTTP GET with the fixed retry schedule.
func (p *Pipeline) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt <= len(fetchBackoff); attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, "", fmt.Errorf("op=delivery.fetch build request: %w", err)
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			defer resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				body, readErr := io.ReadAll(resp.Body)
				if readErr == nil {
					return body, resp.Header.Get("Content-Type"), nil
				}
				lastErr = readErr
			} else {
				lastErr = fmt.Errorf("op=delivery.fetch: status %d", resp.StatusCode)
			}
		}
		if attempt < len(fetchBackoff) {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(fetchBackoff[attempt]):
			}
		}
	}
	return nil, "", fmt.Errorf("op=delivery.fetch exhausted retries: %w", lastErr)
}

// resolveContentType implements the sniff chain of spec §4.7: magic
// bytes, HTML heuristics, JSON/plain-text heuristics, declared header,
// filename extension.
func resolveContentType(body []byte, declared, rawURL string) string {
	if len(body) > 0 {
		mt := mimetype.Detect(body)
		if mt != nil && mt.String() != "" && mt.String() != "application/octet-stream" {
			return mt.String()
		}
	}
	if looksLikeHTML(body) {
		return "text/html"
	}
	if looksLikeJSON(body) {
		return "application/json"
	}
	if declared != "" {
		return stripParams(declared)
	}
	if ext := path.Ext(stripURLQuery(rawURL)); ext != "" {
		if ct := extensionContentType(ext); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

func looksLikeHTML(body []byte) bool {
	head := body
	if len(head) > 1024 {
		head = head[:1024]
	}
	lower := strings.ToLower(string(head))
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<!doctype html")
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

func stripParams(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		return strings.TrimSpace(contentType[:idx])
	}
	return contentType
}

func stripURLQuery(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		return parsed.Path
	}
	return rawURL
}

var extensionTypes = map[string]string{
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".webp": "image/webp",
	".gif": "image/gif", ".mp4": "video/mp4", ".mov": "video/quicktime", ".webm": "video/webm",
	".mp3": "audio/mpeg", ".wav": "audio/wav", ".ogg": "audio/ogg", ".pdf": "application/pdf",
	".zip": "application/zip", ".txt": "text/plain",
}

func extensionContentType(ext string) string {
	return extensionTypes[strings.ToLower(ext)]
}

// methodFor implements spec §4.7's content-type → send method mapping.
func methodFor(contentType string) string {
	switch {
	case contentType == "image/gif":
		return "send_animation"
	case strings.HasPrefix(contentType, "image/"):
		return "send_photo"
	case strings.HasPrefix(contentType, "video/"):
		return "send_video"
	case contentType == "audio/ogg":
		return "send_voice"
	case strings.HasPrefix(contentType, "audio/"):
		return "send_audio"
	default:
		return "send_document"
	}
}

func filename(rawURL, contentType, prefix string) string {
	base := path.Base(stripURLQuery(rawURL))
	if base == "" || base == "/" || base == "." {
		base = "result"
	}
	if path.Ext(base) == "" {
		if ext := extByContentType(contentType); ext != "" {
			base += ext
		}
	}
	if prefix != "" {
		base = prefix + base
	}
	return base
}

func extByContentType(contentType string) string {
	for ext, ct := range extensionTypes {
		if ct == contentType {
			return ext
		}
	}
	return ""
}

func (p *Pipeline) deliverGroup(ctx context.Context, chatID string, group []sniffedItem, caption string) bool {
	lg := observability.LoggerFromContext(ctx)
	first := group[0]

	if first.fetchErr != nil {
		return p.sendFallback(ctx, chatID, first.url, "fetch failed") == nil
	}
	if first.oversized {
		return p.sendFallback(ctx, chatID, first.url, "artifact exceeds upload size limit") == nil
	}
	if first.contentType == "text/html" {
		// An HTML-disguised payload is a failure by spec's own classification
		// (never ships as media): the warning still goes out, but this group
		// does not count toward anyDelivered, so no charge is committed for
		// it (spec §8 scenario 4, "zero charge on failure").
		if err := p.transport.SendMessage(ctx, chatID, fmt.Sprintf("result is a web page, not downloadable media: %s", first.url)); err != nil {
			lg.Warn("html fallback message failed", "error", err)
		}
		return false
	}

	if len(group) > 1 && (first.method == "send_photo" || first.method == "send_video") {
		urls := make([]string, 0, len(group))
		for _, item := range group {
			urls = append(urls, item.url)
		}
		if err := p.transport.SendMediaGroup(ctx, chatID, urls, first.method); err != nil {
			observability.DeliveryAttemptsTotal.WithLabelValues(first.method, "error").Inc()
			return p.sendFallback(ctx, chatID, first.url, "media group delivery failed") == nil
		}
		observability.DeliveryAttemptsTotal.WithLabelValues(first.method, "ok").Inc()
		return true
	}

	ok := true
	for _, item := range group {
		if err := p.sendOne(ctx, chatID, item, caption); err != nil {
			ok = false
		}
	}
	return ok
}

func (p *Pipeline) sendOne(ctx context.Context, chatID string, item sniffedItem, caption string) error {
	lg := observability.LoggerFromContext(ctx)
	lg.Debug("delivering item", "method", item.method, "filename", filename(item.url, item.contentType, p.filenamePrefix))

	var err error
	switch item.method {
	case "send_photo":
		err = p.transport.SendPhoto(ctx, chatID, item.url, caption)
	case "send_video":
		err = p.transport.SendVideo(ctx, chatID, item.url, caption)
	case "send_voice":
		err = p.transport.SendVoice(ctx, chatID, item.url, caption)
	case "send_audio":
		err = p.transport.SendAudio(ctx, chatID, item.url, caption)
	case "send_animation":
		err = p.transport.SendAnimation(ctx, chatID, item.url, caption)
	default:
		err = p.transport.SendDocument(ctx, chatID, item.url, caption)
	}

	if err != nil {
		observability.DeliveryAttemptsTotal.WithLabelValues(item.method, "error").Inc()
		// The attempt still counts toward the delivery record even though
		// the artifact shipped as a link rather than native media.
		return p.sendFallback(ctx, chatID, item.url, "delivery failed")
	}
	observability.DeliveryAttemptsTotal.WithLabelValues(item.method, "ok").Inc()
	return nil
}

func (p *Pipeline) sendFallback(ctx context.Context, chatID, rawURL, reason string) error {
	lg := observability.LoggerFromContext(ctx)
	msg := fmt.Sprintf("%s: %s", reason, rawURL)
	if err := p.transport.SendMessage(ctx, chatID, msg); err != nil {
		lg.Error("delivery fallback message itself failed", "error", err, "url", rawURL)
		return err
	}
	return nil
}
