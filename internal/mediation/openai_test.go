package mediation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/commonground/mediation/internal/domain"
)

func newCompletionServer(t *testing.T, content string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if captured != nil {
			_ = json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIResponderParsesJSONReply(t *testing.T) {
	var captured map[string]any
	srv := newCompletionServer(t,
		`{"message":"What did you see happen?","next_stage":"person_a_observation","safety_alert":""}`,
		&captured)

	r := NewOpenAIResponder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "test-model"}, nil)
	alice := "alice"
	reply, err := r.Respond(context.Background(), Request{
		Mode:  domain.ModeCollaborative,
		Stage: domain.StageIntake,
		History: []*domain.Message{
			{UserID: &alice, Role: domain.RoleUser, Content: "hello", Stage: domain.StageIntake},
			{Role: domain.RoleAssistant, Content: "welcome", Stage: domain.StageIntake},
		},
		Message: "We need to split chores",
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if reply.NextStage != "person_a_observation" {
		t.Fatalf("unexpected next stage %q", reply.NextStage)
	}
	if reply.Message != "What did you see happen?" {
		t.Fatalf("unexpected message %q", reply.Message)
	}

	if captured["model"] != "test-model" {
		t.Fatalf("expected model to be forwarded, got %v", captured["model"])
	}
	format, _ := captured["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json_object response format, got %v", captured["response_format"])
	}
	msgs, _ := captured["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 history + new message, got %d", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" {
		t.Fatalf("expected system prompt first, got %v", first["role"])
	}
	last, _ := msgs[3].(map[string]any)
	if last["content"] != "We need to split chores" {
		t.Fatalf("expected new message last, got %v", last["content"])
	}
}

func TestOpenAIResponderRejectsEmptyMessage(t *testing.T) {
	srv := newCompletionServer(t, `{"message":"","next_stage":"agreement"}`, nil)
	r := NewOpenAIResponder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)

	if _, err := r.Respond(context.Background(), Request{Stage: domain.StageIntake, Message: "hi"}); err == nil {
		t.Fatal("expected error for empty reply message")
	}
}

func TestParseCompletionStripsFence(t *testing.T) {
	reply, err := parseCompletion("```json\n{\"message\":\"ok\",\"safety_alert\":\" crisis \"}\n```")
	if err != nil {
		t.Fatalf("parseCompletion failed: %v", err)
	}
	if reply.Message != "ok" || reply.SafetyAlert != AlertCrisis {
		t.Fatalf("unexpected reply %+v", reply)
	}

	if _, err := parseCompletion("not json"); err == nil {
		t.Fatal("expected decode error")
	}
}
