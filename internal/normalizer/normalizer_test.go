package normalizer

import (
	"context"
	"testing"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

// stubValidator satisfies URLValidator without making network calls;
// classification-focused tests don't care about validate_result_urls.
type stubValidator struct{ err error }

func (s stubValidator) Validate(_ context.Context, _ string, _ domain.MediaKind) error {
	return s.err
}

func TestNormalize_ImageURLClassifiedByExtension(t *testing.T) {
	status := domain.TaskStatus{
		TaskID:     "t1",
		RawState:   "success",
		ResultJSON: `{"resultUrls":["https://cdn.example.com/out.png"]}`,
	}
	res, err := Normalize(context.Background(), status, domain.ModelSpec{}, Options{Validator: stubValidator{}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.MediaType != domain.MediaImage {
		t.Fatalf("expected image, got %s", res.MediaType)
	}
	if len(res.URLs) != 1 || res.URLs[0] != "https://cdn.example.com/out.png" {
		t.Fatalf("unexpected urls: %v", res.URLs)
	}
}

func TestNormalize_RelativeURLUsesCDNBase(t *testing.T) {
	status := domain.TaskStatus{
		RawState:   "success",
		ResultJSON: `{"resultUrl":"/files/out.mp4"}`,
	}
	res, err := Normalize(context.Background(), status, domain.ModelSpec{}, Options{CDNBaseURL: "https://cdn.example.com", Validator: stubValidator{}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.URLs[0] != "https://cdn.example.com/files/out.mp4" {
		t.Fatalf("unexpected url: %s", res.URLs[0])
	}
	if res.MediaType != domain.MediaVideo {
		t.Fatalf("expected video, got %s", res.MediaType)
	}
}

func TestNormalize_SchemeLessURLExpandsToHTTPS(t *testing.T) {
	status := domain.TaskStatus{RawState: "success", ResultJSON: `{"resultUrl":"//cdn.example.com/a.jpg"}`}
	res, err := Normalize(context.Background(), status, domain.ModelSpec{}, Options{Validator: stubValidator{}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.URLs[0] != "https://cdn.example.com/a.jpg" {
		t.Fatalf("unexpected url: %s", res.URLs[0])
	}
}

func TestNormalize_EmbeddedProtocolGlitchIsRepaired(t *testing.T) {
	status := domain.TaskStatus{RawState: "success", ResultJSON: `{"resultUrl":"cdn.example.comhttps:///out.png"}`}
	res, err := Normalize(context.Background(), status, domain.ModelSpec{}, Options{Validator: stubValidator{}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.URLs[0] != "https://cdn.example.com/out.png" {
		t.Fatalf("expected repaired url with fallback host, got %s", res.URLs[0])
	}
}

func TestNormalize_TextOnlyResult(t *testing.T) {
	status := domain.TaskStatus{RawState: "success", ResultJSON: `{"resultText":"hello world"}`}
	res, err := Normalize(context.Background(), status, domain.ModelSpec{}, Options{Validator: stubValidator{}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.MediaType != domain.MediaText || res.Text != "hello world" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestNormalize_EmptyResultRaisesResultEmpty(t *testing.T) {
	status := domain.TaskStatus{RawState: "success", ResultJSON: `{}`}
	_, err := Normalize(context.Background(), status, domain.ModelSpec{}, Options{Validator: stubValidator{}})
	if !isCoded(err, domain.ErrCodeResultEmpty) {
		t.Fatalf("expected KIE_RESULT_EMPTY, got %v", err)
	}
}

func TestNormalize_TextHintWithNoURLsOrTextRaisesResultEmpty(t *testing.T) {
	status := domain.TaskStatus{RawState: "success", ResultJSON: `{"mediaType":"text"}`}
	_, err := Normalize(context.Background(), status, domain.ModelSpec{}, Options{Validator: stubValidator{}})
	if !isCoded(err, domain.ErrCodeResultEmpty) {
		t.Fatalf("expected KIE_RESULT_EMPTY (no urls and no text at all), got %v", err)
	}
}

func TestNormalize_FallsBackToModelSpecMediaType(t *testing.T) {
	status := domain.TaskStatus{RawState: "success", ResultJSON: `{"resultUrl":"https://cdn.example.com/artifact"}`}
	spec := domain.ModelSpec{OutputMediaType: domain.MediaDocument}
	res, err := Normalize(context.Background(), status, spec, Options{Validator: stubValidator{}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.MediaType != domain.MediaDocument {
		t.Fatalf("expected document fallback, got %s", res.MediaType)
	}
}

func TestNormalize_ExplicitTextHintWithURLsButNoTextRaisesEmptyText(t *testing.T) {
	status := domain.TaskStatus{RawState: "success", ResultJSON: `{"mediaType":"text","resultUrl":"https://cdn.example.com/a.png"}`}
	_, err := Normalize(context.Background(), status, domain.ModelSpec{}, Options{Validator: stubValidator{}})
	if !isCoded(err, domain.ErrCodeResultEmptyText) {
		t.Fatalf("expected KIE_RESULT_EMPTY_TEXT, got %v", err)
	}
}

func TestNormalize_HTMLDisguisedURLFailsValidation(t *testing.T) {
	status := domain.TaskStatus{RawState: "success", ResultJSON: `{"resultUrl":"https://cdn.example.com/out.png"}`}
	htmlErr := domain.NewCodedError(domain.ErrCodeResultContentBad, "", "result url resolved to an html page, not media", domain.ErrResultParse)
	_, err := Normalize(context.Background(), status, domain.ModelSpec{}, Options{Validator: stubValidator{err: htmlErr}})
	if !isCoded(err, domain.ErrCodeResultContentBad) {
		t.Fatalf("expected KIE_RESULT_INVALID_CONTENT, got %v", err)
	}
}

func TestNormalize_NilValidatorSkipsValidation(t *testing.T) {
	if err := validateResultURLs(context.Background(), nil, []string{"https://cdn.example.com/out.png"}, domain.MediaImage); err != nil {
		t.Fatalf("expected nil validator to no-op, got %v", err)
	}
}

func isCoded(err error, code domain.ErrorCode) bool {
	ce, ok := err.(*domain.CodedError)
	return ok && ce.Code == code
}
