package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ocrsrt/pkg/contract"
)

func newTestClient(t *testing.T, srv *httptest.Server, extra map[string]any) *Client {
	t.Helper()
	opts := map[string]any{"base_url": srv.URL, "api_key": "k-test", "model": "m1"}
	for k, v := range extra {
		opts[k] = v
	}
	raw, _ := json.Marshal(opts)
	c, err := New(raw)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c.(*Client)
}

var chat = contract.ChatPrompt{
	{Role: "system", Content: "fix ocr"},
	{Role: "user", Content: `{"0001":"helo\n"}`},
	{Role: "json_schema", Content: `{"type":"object"}`},
}

// TestInvokeRequestShape 校验请求体：systemInstruction、安全设置、JSON 模式与 key 位置。
func TestInvokeRequestShape(t *testing.T) {
	var got gmReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/m1:generateContent" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k-test" {
			t.Errorf("key missing in query")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("body: %v", err)
		}
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"{\"0001\":"},{"text":"\"hello\\n\"}"}]}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	raw, err := c.Invoke(context.Background(), contract.Batch{}, chat)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if raw.Text != `{"0001":"hello\n"}` {
		t.Fatalf("raw=%q", raw.Text)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "fix ocr" {
		t.Fatalf("system instruction missing: %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 1 || got.Contents[0].Role != "user" {
		t.Fatalf("contents=%+v", got.Contents)
	}
	if len(got.SafetySettings) != 4 || got.SafetySettings[0].Threshold != "BLOCK_NONE" {
		t.Fatalf("safety=%+v", got.SafetySettings)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.ResponseMIMEType != "application/json" || len(got.GenerationConfig.ResponseSchema) != 0 {
		t.Fatalf("generation config=%+v", got.GenerationConfig)
	}
}

func TestInvokeHeaderKeyAndSchema(t *testing.T) {
	var got gmReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "k-test" || r.URL.Query().Get("key") != "" {
			t.Errorf("key placement wrong")
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"{}"}]}}]}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv, map[string]any{"api_key_in_query": false, "send_schema": true, "safety_block_none": false})
	if _, err := c.Invoke(context.Background(), contract.Batch{}, chat); err != nil {
		t.Fatal(err)
	}
	if string(got.GenerationConfig.ResponseSchema) != `{"type":"object"}` || len(got.SafetySettings) != 0 {
		t.Fatalf("cfg=%+v safety=%+v", got.GenerationConfig, got.SafetySettings)
	}
}

// TestInvokeErrorMapping 上游状态码映射到错误分类。
func TestInvokeErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"429", 429, "", func(err error) bool { return errors.Is(err, contract.ErrRateLimited) }},
		{"503", 503, "overloaded", func(err error) bool {
			var ne net.Error
			var ue contract.UpstreamError
			return errors.As(err, &ne) && errors.As(err, &ue) && ue.UpstreamStatus() == 503
		}},
		{"400", 400, "bad", func(err error) bool { return errors.Is(err, contract.ErrInvalidInput) }},
		{"blocked", 200, `{"promptFeedback":{"blockReason":"SAFETY"}}`, func(err error) bool { return errors.Is(err, contract.ErrResponseInvalid) }},
		{"empty", 200, `{"candidates":[{"content":{"parts":[]},"finishReason":"MAX_TOKENS"}]}`, func(err error) bool {
			return errors.Is(err, contract.ErrResponseInvalid) && strings.Contains(err.Error(), "MAX_TOKENS")
		}},
		{"garbage", 200, `not json`, func(err error) bool { return errors.Is(err, contract.ErrResponseInvalid) }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()
			_, err := newTestClient(t, srv, nil).Invoke(context.Background(), contract.Batch{}, chat)
			if !tt.check(err) {
				t.Fatalf("unexpected err: %v", err)
			}
		})
	}
}

func TestNewMissingKey(t *testing.T) {
	t.Setenv("OCRSRT_TEST_EMPTY_KEY", "")
	if _, err := New(json.RawMessage(`{"api_key_env":"OCRSRT_TEST_EMPTY_KEY"}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("err=%v", err)
	}
	t.Setenv("OCRSRT_TEST_KEY", "abc")
	if _, err := New(json.RawMessage(`{"api_key_env":"OCRSRT_TEST_KEY"}`)); err != nil {
		t.Fatalf("env key: %v", err)
	}
}

func TestInvokeRejectsSystemOnly(t *testing.T) {
	c := &Client{url: "http://unused", do: func(*http.Request) (*http.Response, error) { t.Fatal("no request expected"); return nil, nil }}
	_, err := c.Invoke(context.Background(), contract.Batch{}, contract.ChatPrompt{{Role: "system", Content: "x"}})
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("err=%v", err)
	}
}
