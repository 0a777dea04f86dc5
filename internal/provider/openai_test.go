package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts.Endpoint = srv.URL
	if opts.Provider == "" {
		opts.Provider = "vllm"
	}
	if opts.Model == "" {
		opts.Model = "test-model"
	}
	return New(opts, zap.NewNop())
}

func chatCompletion(content string) map[string]any {
	return map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

func TestGenerate(t *testing.T) {
	var captured chatPayload
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer not-needed" {
			t.Errorf("auth header = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(chatCompletion("hello there"))
	}, Options{})

	resp, err := client.Generate(context.Background(), &ChatRequest{
		SystemPrompt: "You are helpful.",
		Messages: []Message{
			{Role: "user", Content: "Sage: hi"},
			{Role: "assistant", Content: "greetings"},
		},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total_tokens = %d, want 15", resp.Usage.TotalTokens)
	}

	if len(captured.Messages) != 3 {
		t.Fatalf("wire messages = %d, want 3", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" || captured.Messages[0].Content != "You are helpful." {
		t.Errorf("messages[0] = %+v, want system prompt", captured.Messages[0])
	}
	if captured.Stream {
		t.Error("stream flag set on non-streaming request")
	}
}

func TestGenerateFlattensMessages(t *testing.T) {
	var captured chatPayload
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(chatCompletion("ok"))
	}, Options{FlattenMessages: true})

	_, err := client.Generate(context.Background(), &ChatRequest{
		SystemPrompt: "Be terse.",
		Messages: []Message{
			{Role: "user", Content: "Sage: first"},
			{Role: "user", Content: "Nova: second"},
		},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(captured.Messages) != 1 {
		t.Fatalf("wire messages = %d, want 1 flattened", len(captured.Messages))
	}
	m := captured.Messages[0]
	if m.Role != "user" {
		t.Errorf("role = %q, want user", m.Role)
	}
	for _, want := range []string{"Be terse.", "Sage: first", "Nova: second"} {
		if !strings.Contains(m.Content, want) {
			t.Errorf("flattened content missing %q", want)
		}
	}
}

func TestGenerateErrorKinds(t *testing.T) {
	t.Run("provider error on non-200", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		}, Options{})
		_, err := client.Generate(context.Background(), &ChatRequest{})
		if KindOf(err) != KindProvider {
			t.Errorf("kind = %q, want provider (err: %v)", KindOf(err), err)
		}
	})

	t.Run("malformed on empty choices", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
		}, Options{})
		_, err := client.Generate(context.Background(), &ChatRequest{})
		if KindOf(err) != KindMalformed {
			t.Errorf("kind = %q, want malformed (err: %v)", KindOf(err), err)
		}
	})

	t.Run("malformed on undecodable body", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not json")
		}, Options{})
		_, err := client.Generate(context.Background(), &ChatRequest{})
		if KindOf(err) != KindMalformed {
			t.Errorf("kind = %q, want malformed (err: %v)", KindOf(err), err)
		}
	})

	t.Run("network error on dead endpoint", func(t *testing.T) {
		client := New(Options{
			Provider: "vllm", Endpoint: "http://127.0.0.1:1", Model: "m",
		}, zap.NewNop())
		_, err := client.Generate(context.Background(), &ChatRequest{})
		if KindOf(err) != KindNetwork {
			t.Errorf("kind = %q, want network (err: %v)", KindOf(err), err)
		}
	})
}

func sseChunk(content string) string {
	data, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]string{"content": content}},
		},
	})
	return "data: " + string(data) + "\n\n"
}

func TestGenerateStream(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload chatPayload
		json.NewDecoder(r.Body).Decode(&payload)
		if !payload.Stream {
			t.Error("stream flag not set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprint(w, sseChunk(part))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}, Options{})

	ch, err := client.GenerateStream(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var parts []string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		parts = append(parts, chunk.Content)
	}
	if !done {
		t.Error("no Done chunk received")
	}
	if len(parts) != 2 || parts[0] != "Hel" || parts[1] != "lo" {
		t.Errorf("parts = %v, want [Hel lo]", parts)
	}
}

func TestGenerateStreamTruncated(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("partial"))
		// Connection closes without a [DONE] marker.
	}, Options{})

	ch, err := client.GenerateStream(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var last StreamChunk
	for chunk := range ch {
		last = chunk
	}
	if last.Err == nil {
		t.Fatal("expected error chunk for truncated stream")
	}
	if KindOf(last.Err) != KindMalformed {
		t.Errorf("kind = %q, want malformed", KindOf(last.Err))
	}
}

func TestTestConnection(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatCompletion("pong"))
	}, Options{})

	info := client.TestConnection(context.Background())
	if !info.Success {
		t.Fatalf("probe failed: %s", info.Error)
	}
	if info.Details["response"] != "pong" {
		t.Errorf("response detail = %v, want pong", info.Details["response"])
	}

	dead := New(Options{Provider: "vllm", Endpoint: "http://127.0.0.1:1", Model: "m"}, zap.NewNop())
	info = dead.TestConnection(context.Background())
	if info.Success {
		t.Error("probe against dead endpoint reported success")
	}
	if info.Error == "" {
		t.Error("failed probe carries no error detail")
	}
}
