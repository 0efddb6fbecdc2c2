package extract

import (
	"context"
	"testing"

	llmmock "github.com/mnemohq/mnemo/pkg/provider/llm/mock"
)

func TestNative_CapitalizedRuns(t *testing.T) {
	got, err := Native{}.Extract(context.Background(), "Ada Lovelace wrote about the Analytical Engine in London.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := map[string]bool{}
	for _, c := range got {
		names[c.Name] = true
		if c.Confidence != nativeConfidence {
			t.Errorf("confidence = %v, want %v", c.Confidence, nativeConfidence)
		}
	}
	for _, want := range []string{"Ada Lovelace", "Analytical Engine", "London"} {
		if !names[want] {
			t.Errorf("missing candidate %q in %v", want, names)
		}
	}
}

func TestNative_DedupAndShortRuns(t *testing.T) {
	got, err := Native{}.Extract(context.Background(), "Go and Go and Go. A B.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// "Go" is below the length floor; "A B" too.
	if len(got) != 0 {
		t.Errorf("got %d candidates, want 0: %v", len(got), got)
	}
}

func TestNative_EmptyOnPlainText(t *testing.T) {
	got, err := Native{}.Extract(context.Background(), "nothing capitalized here")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestLLM_ParsesCandidates(t *testing.T) {
	client := &llmmock.Client{
		Response: "```json\n[{\"name\":\"Grafana\",\"type_label\":\"PRODUCT\",\"confidence\":0.92}]\n```",
	}
	e := &LLM{Client: client}

	got, err := e.Extract(context.Background(), "We moved the dashboards to Grafana last week.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	if got[0].Name != "Grafana" || got[0].TypeLabel != "PRODUCT" || got[0].Confidence != 0.92 {
		t.Errorf("candidate = %+v", got[0])
	}
}

func TestLLM_MalformedJSON(t *testing.T) {
	client := &llmmock.Client{Response: "sorry, I cannot do that"}
	e := &LLM{Client: client}

	if _, err := e.Extract(context.Background(), "text"); err == nil {
		t.Fatal("expected error for malformed output")
	}
}
