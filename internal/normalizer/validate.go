package normalizer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

// URLValidator implements spec §4.5 step 4's validate_result_urls: a
// HEAD/GET of a small prefix confirming a result URL's content type
// matches the declared media type, is not text/html, and yields a
// non-empty body. Normalize consults it once per URL at resolve time so
// an HTML-disguised payload never reaches delivery as a "completed" job.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string, mediaType domain.MediaKind) error
}

// httpURLValidator is the production URLValidator: grounded on the same
// fetch-then-sniff shape as internal/adapter/delivery.Pipeline.fetch, but
// cheaper — a HEAD first, falling back to a small ranged GET only when the
// server doesn't answer HEAD usefully.
type httpURLValidator struct {
	client *http.Client
}

func newHTTPURLValidator(timeout time.Duration) *httpURLValidator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpURLValidator{client: &http.Client{Timeout: timeout}}
}

const validatePrefixBytes = 2048

func (v *httpURLValidator) Validate(ctx context.Context, rawURL string, mediaType domain.MediaKind) error {
	contentType, size, err := v.probe(ctx, rawURL)
	if err != nil {
		return domain.NewCodedError(domain.ErrCodeResultURLInvalid, "", "check_provider_response_url_fields", err)
	}
	if strings.HasPrefix(strings.ToLower(stripParams(contentType)), "text/html") {
		return domain.NewCodedError(domain.ErrCodeResultContentBad, "", "result url resolved to an html page, not media", domain.ErrResultParse)
	}
	if !mediaTypeMatches(mediaType, contentType) {
		return domain.NewCodedError(domain.ErrCodeResultContentBad, "", fmt.Sprintf("content type %q does not match declared media type %q", contentType, mediaType), domain.ErrResultParse)
	}
	if size == 0 {
		return domain.NewCodedError(domain.ErrCodeResultURLInvalid, "", "result url returned an empty body", domain.ErrResultParse)
	}
	return nil
}

// probe issues a HEAD request first; if the server omits Content-Type/
// Content-Length (or rejects HEAD outright), it falls back to a ranged GET
// of the first validatePrefixBytes, sniffing the type from the bytes
// fetched via the same mimetype library internal/adapter/delivery uses.
func (v *httpURLValidator) probe(ctx context.Context, rawURL string) (contentType string, size int64, err error) {
	if req, herr := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil); herr == nil {
		if resp, derr := v.client.Do(req); derr == nil {
			ct := resp.Header.Get("Content-Type")
			cl := resp.ContentLength
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 && ct != "" && cl > 0 {
				return ct, cl, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("op=normalizer.validate build request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", validatePrefixBytes-1))
	resp, err := v.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("op=normalizer.validate fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("op=normalizer.validate: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, validatePrefixBytes))
	if err != nil {
		return "", 0, fmt.Errorf("op=normalizer.validate read body: %w", err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" && len(body) > 0 {
		if mt := mimetype.Detect(body); mt != nil {
			ct = mt.String()
		}
	}
	return ct, int64(len(body)), nil
}

// stripParams drops a content type's ";charset=..."-style parameters.
func stripParams(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		return strings.TrimSpace(contentType[:idx])
	}
	return contentType
}

// mediaTypeMatches reports whether contentType's top-level type is
// consistent with mediaType. Text/document results accept anything
// non-html, since provider documents arrive under many content types.
func mediaTypeMatches(mediaType domain.MediaKind, contentType string) bool {
	ct := strings.ToLower(stripParams(contentType))
	switch mediaType {
	case domain.MediaImage:
		return strings.HasPrefix(ct, "image/")
	case domain.MediaVideo:
		return strings.HasPrefix(ct, "video/")
	case domain.MediaAudio:
		return strings.HasPrefix(ct, "audio/")
	default:
		return true
	}
}

// validateResultURLs implements the "at least one [url] must yield
// non-empty bytes" tolerance of spec §4.5 step 4: any single URL passing
// is enough, since sibling URLs commonly include thumbnails or alternate
// encodings that a stricter declared-type check would otherwise reject.
func validateResultURLs(ctx context.Context, v URLValidator, urls []string, mediaType domain.MediaKind) error {
	if len(urls) == 0 || v == nil {
		return nil
	}
	var lastErr error
	for _, u := range urls {
		if err := v.Validate(ctx, u, mediaType); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
