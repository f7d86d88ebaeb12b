package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// newQwenHandler simulates DashScope's text-generation endpoint, toggling
// between a single JSON response and an SSE stream via the
// X-DashScope-SSE header, matching the real service.
func newQwenHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/services/aigc/text-generation/generation", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeQwenError(w, http.StatusInternalServerError, "MockInternalError", "mock internal error")
			return
		}

		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		content := fakeSentence(cfg.StreamWords)
		inTokens := 10
		outTokens := cfg.StreamWords

		if strings.EqualFold(r.Header.Get("X-DashScope-SSE"), "enable") {
			serveQwenStream(w, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"output": map[string]any{"text": content, "finish_reason": "stop"},
			"usage": map[string]int{
				"input_tokens": inTokens, "output_tokens": outTokens, "total_tokens": inTokens + outTokens,
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeQwenError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func serveQwenStream(w http.ResponseWriter, content string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	words := strings.Fields(content)
	accumulated := ""
	for i, word := range words {
		accumulated += word + " "
		payload := map[string]any{
			"output": map[string]any{"text": accumulated, "finish_reason": "null"},
			"usage":  map[string]int{"input_tokens": inTokens, "output_tokens": i + 1, "total_tokens": inTokens + i + 1},
		}
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "data:%s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	final := map[string]any{
		"output": map[string]any{"text": accumulated, "finish_reason": "stop"},
		"usage":  map[string]int{"input_tokens": inTokens, "output_tokens": outTokens, "total_tokens": inTokens + outTokens},
	}
	data, _ := json.Marshal(final)
	fmt.Fprintf(w, "data:%s\n\n", data)
	if flusher != nil {
		flusher.Flush()
	}
}

func writeQwenError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"code": code, "message": msg})
}
