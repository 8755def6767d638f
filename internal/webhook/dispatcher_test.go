package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/knowflow/kb-chat-backend/internal/config"
)

func newDispatcherFor(url string, timeout time.Duration) *Dispatcher {
	return NewDispatcher(config.WebhookConfig{
		URL:     url,
		Secret:  "s3cret",
		Timeout: timeout,
	}, zerolog.Nop())
}

func TestSubmit_NotConfigured(t *testing.T) {
	d := newDispatcherFor("", time.Second)
	out := d.Submit(context.Background(), Payload{MessageID: "m1"})
	if out.OK || out.Reason != ReasonNotConfigured {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestSubmit_SuccessWithSourcesAndMetadata(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true,
			"data": {
				"content": "Answer text",
				"sources": [
					{"document_name":"handbook.pdf","chunk":"para","confidence":150,"file_id":"f1"}
				],
				"metadata": {"model":"gpt-4o-mini","tokens_used":12,"processing_time_ms":850,"trace":"abc"}
			}
		}`))
	}))
	defer srv.Close()

	d := newDispatcherFor(srv.URL, time.Second)
	out := d.Submit(context.Background(), Payload{
		ConversationID: "c1", MessageID: "m1", Prompt: "hello",
		Model: ModelConfig{Model: "gpt-4o-mini"},
	})
	if !out.OK {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Content != "Answer text" {
		t.Fatalf("content = %q", out.Content)
	}
	if len(out.Sources) != 1 || out.Sources[0].Confidence != 100 {
		t.Fatalf("confidence must clamp to [0,100]: %+v", out.Sources)
	}
	if out.Metadata.Model != "gpt-4o-mini" || out.Metadata.TokensUsed != 12 || out.Metadata.ProcessingTimeMs != 850 {
		t.Fatalf("typed metadata lost: %+v", out.Metadata)
	}
	if out.Metadata.Extra["trace"] != "abc" {
		t.Fatalf("unknown metadata keys must land in Extra: %+v", out.Metadata.Extra)
	}
	if gotAuth != "Bearer s3cret" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"message_id":"m1"`) {
		t.Fatalf("payload not forwarded: %s", gotBody)
	}
}

func TestSubmit_FailureShapes(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: "http_502",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
			want: ReasonMalformed,
		},
		{
			name: "success flag with empty content",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"success":true,"data":{"content":"  "}}`))
			},
			want: ReasonMalformed,
		},
		{
			name: "engine-reported failure",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"success":false,"error":"kb unavailable"}`))
			},
			want: "workflow: kb unavailable",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			d := newDispatcherFor(srv.URL, time.Second)
			out := d.Submit(context.Background(), Payload{MessageID: "m1"})
			if out.OK || out.Reason != tc.want {
				t.Fatalf("reason = %q, want %q", out.Reason, tc.want)
			}
		})
	}
}

func TestSubmit_TimeoutAndCancel(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	d := newDispatcherFor(slow.URL, 50*time.Millisecond)
	out := d.Submit(context.Background(), Payload{MessageID: "m1"})
	if out.OK || out.Reason != ReasonTimeout {
		t.Fatalf("timeout reason = %q", out.Reason)
	}

	d2 := newDispatcherFor(slow.URL, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	out2 := d2.Submit(ctx, Payload{MessageID: "m2"})
	if out2.OK || out2.Reason != ReasonCancelled {
		t.Fatalf("cancel reason = %q", out2.Reason)
	}
}

func TestProbe(t *testing.T) {
	d := newDispatcherFor("", time.Second)
	if err := d.Probe(context.Background()); err == nil {
		t.Fatalf("probe must fail when unconfigured")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe must use HEAD, got %s", r.Method)
		}
		w.WriteHeader(http.StatusMethodNotAllowed) // any HTTP response counts as reachable
	}))
	defer srv.Close()
	d2 := newDispatcherFor(srv.URL, time.Second)
	if err := d2.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
}
