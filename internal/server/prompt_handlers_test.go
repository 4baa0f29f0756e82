package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/kon-rad/llmtrace/internal/prompts"
)

func createPrompt(t *testing.T, h http.Handler, auth string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, prompts.Path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getPrompt(t *testing.T, h http.Handler, auth, pathAndQuery string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, prompts.Path+"/"+pathAndQuery, nil)
	req.Header.Set("Authorization", auth)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodePrompt(t *testing.T, rec *httptest.ResponseRecorder) prompts.Prompt {
	t.Helper()
	var p prompts.Prompt
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode prompt: %v (%s)", err, rec.Body.String())
	}
	return p
}

func TestPromptCreateAndResolveByLabelAndVersion(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestSink(t)
	auth := basicAuth("pk-local", "sk-local")

	rec := createPrompt(t, h, auth, map[string]any{
		"name": "greeting", "type": "text", "prompt": "Hello {{name}}", "labels": []string{"production"},
		"config": map[string]any{"temperature": 0.2},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if p := decodePrompt(t, rec); p.Version != 1 || p.Text != "Hello {{name}}" {
		t.Fatalf("created prompt = %+v", p)
	}

	rec = createPrompt(t, h, auth, map[string]any{
		"name": "greeting", "prompt": "Hi {{name}}", "labels": []string{"staging"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("second create status = %d, want 201", rec.Code)
	}

	rec = getPrompt(t, h, auth, "greeting")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	p := decodePrompt(t, rec)
	if p.Version != 1 || p.Type != prompts.TypeText || !slices.Contains(p.Labels, "production") {
		t.Fatalf("production prompt = %+v", p)
	}
	if cfg, ok := p.Config.(map[string]any); !ok || cfg["temperature"] != 0.2 {
		t.Fatalf("config = %#v", p.Config)
	}

	if p := decodePrompt(t, getPrompt(t, h, auth, "greeting?label=staging")); p.Version != 2 || p.Text != "Hi {{name}}" {
		t.Fatalf("staging prompt = %+v", p)
	}
	if p := decodePrompt(t, getPrompt(t, h, auth, "greeting?label=latest")); p.Version != 2 {
		t.Fatalf("latest prompt version = %d, want 2", p.Version)
	}
	if p := decodePrompt(t, getPrompt(t, h, auth, "greeting?version=1")); p.Version != 1 {
		t.Fatalf("version 1 prompt = %+v", p)
	}
}

func TestPromptChatRoundTrip(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestSink(t)
	auth := basicAuth("pk-local", "sk-local")
	rec := createPrompt(t, h, auth, map[string]any{
		"name": "assistant", "type": "chat", "labels": []string{"production"},
		"prompt": []map[string]string{{"role": "system", "content": "You are {{persona}}"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	p := decodePrompt(t, getPrompt(t, h, auth, "assistant"))
	if p.Type != prompts.TypeChat || len(p.Messages) != 1 || p.Messages[0].Role != "system" {
		t.Fatalf("chat prompt = %+v", p)
	}
}

func TestPromptErrors(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestSink(t)
	auth := basicAuth("pk-local", "sk-local")

	if rec := getPrompt(t, h, auth, "missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing prompt status = %d, want 404", rec.Code)
	}
	if rec := getPrompt(t, h, auth, "missing?version=zero"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad version status = %d, want 400", rec.Code)
	}
	if rec := createPrompt(t, h, auth, map[string]any{"name": "x", "type": "chat", "prompt": "not messages"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("chat with string body status = %d, want 400", rec.Code)
	}
	if rec := createPrompt(t, h, auth, map[string]any{"name": "x", "type": "audio", "prompt": "x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown type status = %d, want 400", rec.Code)
	}
	if rec := createPrompt(t, h, auth, map[string]any{"prompt": "x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing name status = %d, want 400", rec.Code)
	}
}

func TestPromptEndpointsRequireSecretKey(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestSink(t)
	if rec := getPrompt(t, h, "Bearer pk-local", "greeting"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bearer get status = %d, want 401", rec.Code)
	}
	if rec := createPrompt(t, h, "Bearer pk-local", map[string]any{"name": "x", "prompt": "y"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bearer create status = %d, want 401", rec.Code)
	}
	if rec := getPrompt(t, h, basicAuth("pk-local", "wrong"), "greeting"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", rec.Code)
	}
}
