package normalizer

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

var extensionMedia = map[string]domain.MediaKind{
	".png":  domain.MediaImage,
	".jpg":  domain.MediaImage,
	".jpeg": domain.MediaImage,
	".webp": domain.MediaImage,
	".gif":  domain.MediaImage,
	".mp4":  domain.MediaVideo,
	".mov":  domain.MediaVideo,
	".webm": domain.MediaVideo,
	".mp3":  domain.MediaAudio,
	".wav":  domain.MediaAudio,
	".ogg":  domain.MediaAudio,
}

// classifyMedia implements spec §4.6's fallback chain: explicit hint, then
// URL extension, then the ModelSpec's declared output type, then text-only.
func classifyMedia(hint string, urls []string, specMediaType domain.MediaKind, hasText bool) domain.MediaKind {
	if k := domain.MediaKind(strings.ToLower(strings.TrimSpace(hint))); isKnownMediaKind(k) {
		return k
	}
	for _, u := range urls {
		if k, ok := extensionMedia[strings.ToLower(path.Ext(stripQuery(u)))]; ok {
			return k
		}
	}
	if specMediaType != "" {
		return specMediaType
	}
	if len(urls) == 0 && hasText {
		return domain.MediaText
	}
	return domain.MediaDocument
}

func isKnownMediaKind(k domain.MediaKind) bool {
	switch k {
	case domain.MediaImage, domain.MediaVideo, domain.MediaAudio, domain.MediaText, domain.MediaDocument:
		return true
	default:
		return false
	}
}

func stripQuery(u string) string {
	if idx := strings.IndexAny(u, "?#"); idx != -1 {
		return u[:idx]
	}
	return u
}

// extractText implements the `resultText`/`resultObject`/`text` merge:
// string values pass through, anything else is JSON-encoded for display.
func extractText(raw map[string]any) string {
	for _, key := range []string{"resultText", "text", "resultObject"} {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if strings.TrimSpace(s) != "" {
				return s
			}
			continue
		}
		if encoded, err := json.Marshal(v); err == nil {
			return string(encoded)
		}
	}
	return ""
}

// extractURLs pulls resultUrls (array) and resultUrl (single) out of the
// raw payload.
func extractURLs(raw map[string]any) []string {
	var out []string
	if v, ok := raw["resultUrls"]; ok {
		switch vv := v.(type) {
		case []any:
			for _, item := range vv {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		case []string:
			out = append(out, vv...)
		}
	}
	if v, ok := raw["resultUrl"]; ok {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringField(raw map[string]any, key string) string {
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
