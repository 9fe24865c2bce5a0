package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperjump/kotae/internal/config"
)

func clientFor(t *testing.T, url, model string) *HTTPClient {
	t.Helper()
	cfg := config.Default()
	cfg.LLM.BaseURL = url
	cfg.LLM.Model = "default-model"
	return NewHTTPClient(&cfg.LLM, model, nil)
}

func TestComplete(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Options map[string]any `json:"options"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "SELECT 1"},
		})
	}))
	defer srv.Close()

	out, err := clientFor(t, srv.URL, "").Complete(context.Background(), "sys", "user text")
	if err != nil {
		t.Fatal(err)
	}
	if out != "SELECT 1" {
		t.Errorf("Complete() = %q, want SELECT 1", out)
	}
	if got.Model != "default-model" {
		t.Errorf("model = %q, want default-model", got.Model)
	}
	if got.Stream {
		t.Error("stream = true, want false")
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "user text" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if temp, ok := got.Options["temperature"].(float64); !ok || temp != 0 {
		t.Errorf("temperature = %v, want 0", got.Options["temperature"])
	}
}

func TestComplete_ModelOverride(t *testing.T) {
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		model = req.Model
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"content": "ok"}})
	}))
	defer srv.Close()

	if _, err := clientFor(t, srv.URL, "router-model").Complete(context.Background(), "s", "u"); err != nil {
		t.Fatal(err)
	}
	if model != "router-model" {
		t.Errorf("model = %q, want router-model", model)
	}
}

func TestComplete_Unavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}},
		{"endpoint error field", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"error": "out of memory"})
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := clientFor(t, srv.URL, "").Complete(context.Background(), "s", "u")
			if !errors.Is(err, ErrUnavailable) {
				t.Errorf("err = %v, want ErrUnavailable", err)
			}
		})
	}
}

func TestComplete_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	_, err := clientFor(t, srv.URL, "").Complete(context.Background(), "s", "u")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}
