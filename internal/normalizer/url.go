// Package normalizer implements the Result Normalizer (C6): it turns a
// provider's raw task status into a typed domain.JobResult, merging and
// repairing result URLs, classifying the output media type, and
// extracting display text. URL repair is grounded on the upstream
// url_normalizer module's splice-on-embedded-scheme approach, rewritten
// as a deterministic Go function instead of the original's exception
// class hierarchy.
package normalizer

import (
	"net/url"
	"strings"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

// normalizeURL repairs a single raw URL per spec §4.6: strips anything
// before an embedded http(s):// scheme, expands scheme-less `//host/...`,
// resolves a leading `/path` against cdnBase, and — if the result still
// has no host — reattaches one from the text stripped before the embedded
// scheme, then from fallbackHosts in order.
func normalizeURL(raw, cdnBase string, fallbackHosts ...string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", domain.NewCodedError(domain.ErrCodeResultURLInvalid, "", "", domain.ErrResultParse)
	}

	if idx := firstSchemeIndex(v); idx > 0 {
		fallbackHosts = append([]string{v[:idx]}, fallbackHosts...)
		v = v[idx:]
	}

	switch {
	case strings.HasPrefix(v, "http://"), strings.HasPrefix(v, "https://"):
		// already absolute
	case strings.HasPrefix(v, "//"):
		v = "https:" + v
	case strings.HasPrefix(v, "/"):
		base := strings.TrimRight(cdnBase, "/")
		if base == "" {
			return "", domain.NewCodedError(domain.ErrCodeResultURLInvalid, "", "relative URL requires KIE_RESULT_CDN_BASE_URL", domain.ErrResultParse)
		}
		v = base + v
	}

	parsed, err := url.Parse(v)
	if err != nil {
		return "", domain.NewCodedError(domain.ErrCodeResultURLInvalid, "", "", err)
	}
	if (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host == "" {
		for _, candidate := range fallbackHosts {
			host := extractHost(candidate)
			if host == "" {
				continue
			}
			parsed.Host = host
			if parsed.Path == "" {
				parsed.Path = "/"
			}
			break
		}
	}

	if !isValidResultURL(parsed) {
		return "", domain.NewCodedError(domain.ErrCodeResultURLInvalid, "", "check_provider_response_url_fields", domain.ErrResultParse)
	}
	return parsed.String(), nil
}

func firstSchemeIndex(v string) int {
	httpIdx := strings.Index(v, "http://")
	httpsIdx := strings.Index(v, "https://")
	best := -1
	for _, idx := range []int{httpIdx, httpsIdx} {
		if idx == -1 {
			continue
		}
		if best == -1 || idx < best {
			best = idx
		}
	}
	return best
}

func extractHost(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if parsed, err := url.Parse(v); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	if !strings.Contains(v, "://") {
		return v
	}
	return ""
}

func isValidResultURL(u *url.URL) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// mergeURLs returns an ordered, deduplicated union of url lists, dropping
// blanks.
func mergeURLs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, u := range list {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}
