package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("\x89PNG fake"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func newTestGenerator(t *testing.T, url string) *OpenAI {
	t.Helper()
	g, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIURL: url, Timeout: 5 * time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func TestNewOpenAI_MissingKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{}, zerolog.Nop())
	var ge *Error
	if !errors.As(err, &ge) || ge.Kind != KindConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestGenerate_Success(t *testing.T) {
	var got chatRequest
	var rawReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_ = json.Unmarshal(body, &rawReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"  FINDINGS: normal liver.  "}}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL)
	payload, text, err := g.Generate(context.Background(), writeImage(t, "scan.png"), "Indication: abdominal pain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "FINDINGS: normal liver." {
		t.Errorf("unexpected text %q", text)
	}
	if !strings.Contains(string(payload), `"cmpl-1"`) {
		t.Errorf("expected raw payload stored verbatim, got %s", payload)
	}

	if got.Model != "gpt-4o" || got.MaxTokens != 1500 || got.Temperature != 0.3 {
		t.Errorf("unexpected request params %+v", got)
	}
	msgs := rawReq["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(msgs))
	}
	parts := msgs[1].(map[string]any)["content"].([]any)
	text0 := parts[0].(map[string]any)["text"].(string)
	for _, section := range []string{"CLINICAL NOTES:", "Indication: abdominal pain", "TECHNICAL QUALITY", "FINDINGS", "IMPRESSION", "RECOMMENDATIONS", "IMPORTANT DISCLAIMERS"} {
		if !strings.Contains(text0, section) {
			t.Errorf("prompt missing %q", section)
		}
	}
	url := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("unexpected image url prefix %q", url[:30])
	}
}

func TestGenerate_DICOMSentAsText(t *testing.T) {
	var rawReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&rawReq)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"FINDINGS: limited."}}]}`))
	}))
	defer srv.Close()

	if _, _, err := newTestGenerator(t, srv.URL).Generate(context.Background(), writeImage(t, "study.dcm"), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user := rawReq["messages"].([]any)[1].(map[string]any)
	content, ok := user["content"].(string)
	if !ok {
		t.Fatalf("expected text-only content, got %T", user["content"])
	}
	if !strings.Contains(content, "No clinical notes provided.") {
		t.Error("expected placeholder for empty clinical context")
	}
}

func TestGenerate_ClassifiedFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind Kind
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, KindUnavailable},
		{"unauthorized", http.StatusUnauthorized, `{}`, KindUnavailable},
		{"not json", http.StatusOK, `<html>`, KindBadResponse},
		{"no choices", http.StatusOK, `{"choices":[]}`, KindBadResponse},
		{"empty content", http.StatusOK, `{"choices":[{"message":{"content":"   "}}]}`, KindBadResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, _, err := newTestGenerator(t, srv.URL).Generate(context.Background(), writeImage(t, "scan.jpg"), "notes")
			var ge *Error
			if !errors.As(err, &ge) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ge.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, ge.Kind)
			}
		})
	}
}

func TestGenerate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, _, err := newTestGenerator(t, url).Generate(context.Background(), writeImage(t, "scan.jpg"), "notes")
	if Classify(err) != string(KindUnavailable) {
		t.Errorf("expected unavailable, got %v", err)
	}
}

func TestGenerate_MissingImageIsUnclassified(t *testing.T) {
	g := newTestGenerator(t, "http://127.0.0.1:1")
	_, _, err := g.Generate(context.Background(), filepath.Join(t.TempDir(), "gone.png"), "notes")
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != "unclassified" {
		t.Errorf("expected unclassified, got %s", Classify(err))
	}
}

func TestClinicalContext_String(t *testing.T) {
	c := ClinicalContext{
		StudyType:  "Ultrasound",
		BodyPart:   "Abdomen",
		Priority:   "urgent",
		Indication: "abdominal pain",
	}
	got := c.String()
	want := "Study type: Ultrasound\nBody part: Abdomen\nPriority: urgent\nIndication: abdominal pain"
	if got != want {
		t.Errorf("unexpected context:\n%s\nwant:\n%s", got, want)
	}

	legacy := ClinicalContext{Notes: "  right upper quadrant pain  "}
	if legacy.String() != "right upper quadrant pain" {
		t.Errorf("unexpected legacy context %q", legacy.String())
	}
}
