package normalizer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/pkg/textx"
)

// Options carries the configuration Normalize needs without importing
// internal/config directly.
type Options struct {
	CDNBaseURL string
	APIBaseURL string
	// Validator checks each result URL's content type and size before the
	// job is marked completed (spec §4.5 step 4, validate_result_urls). A
	// nil Validator defaults to a real HEAD/GET-backed check; tests inject
	// a stub to avoid network calls.
	Validator URLValidator
	// URLValidateTimeout bounds the default Validator's HEAD/GET call;
	// <=0 defaults to 10s.
	URLValidateTimeout time.Duration
}

func (o Options) validator() URLValidator {
	if o.Validator != nil {
		return o.Validator
	}
	return newHTTPURLValidator(o.URLValidateTimeout)
}

// Normalize builds a domain.JobResult from a provider's raw task status,
// per spec §4.6. spec is the ModelSpec's declared output type, used only
// as a last-resort classification fallback.
func Normalize(ctx context.Context, status domain.TaskStatus, spec domain.ModelSpec, opts Options) (domain.JobResult, error) {
	raw := decodeResultJSON(status.ResultJSON)

	urls := mergeURLs(status.ResultURLs, extractURLs(raw))
	text := extractText(raw)
	if text != "" {
		text = textx.SanitizeText(text)
	}

	if len(urls) == 0 && text == "" {
		return domain.JobResult{}, domain.NewCodedError(domain.ErrCodeResultEmpty, "", "", domain.ErrResultParse)
	}

	hint := stringField(raw, "mediaType")
	mediaType := classifyMedia(hint, urls, spec.OutputMediaType, text != "")

	if mediaType == domain.MediaText && text == "" {
		return domain.JobResult{}, domain.NewCodedError(domain.ErrCodeResultEmptyText, "", "", domain.ErrResultParse)
	}

	normalizedURLs := make([]string, 0, len(urls))
	for _, u := range urls {
		nu, err := normalizeURL(u, opts.CDNBaseURL, opts.APIBaseURL, stringField(raw, "baseUrl"), stringField(raw, "cdnBaseUrl"), stringField(raw, "host"))
		if err != nil {
			return domain.JobResult{}, err
		}
		normalizedURLs = append(normalizedURLs, nu)
	}

	if err := validateResultURLs(ctx, opts.validator(), normalizedURLs, mediaType); err != nil {
		return domain.JobResult{}, err
	}

	return domain.JobResult{
		TaskID:    status.TaskID,
		State:     domain.NormalizeProviderState(status.RawState),
		MediaType: mediaType,
		URLs:      normalizedURLs,
		Text:      text,
		Raw:       raw,
	}, nil
}

func decodeResultJSON(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return map[string]any{}
	}
	return out
}
