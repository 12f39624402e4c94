package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

type scriptedClient struct {
	answer string
	prompt string
}

func (s *scriptedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1}, nil
}

func (s *scriptedClient) CompleteJSON(ctx context.Context, prompt string, out any) error {
	s.prompt = prompt
	return decodeJSON(s.answer, out)
}

func TestSummarizeTranscript(t *testing.T) {
	c := &scriptedClient{answer: "```json\n{\"summary\": \" Billing question. \", \"sentiment_score\": -0.4}\n```"}
	in, err := SummarizeTranscript(context.Background(), c, "caller: my bill is wrong")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if in.Summary != "Billing question." || in.SentimentScore != -0.4 {
		t.Fatalf("unexpected insights: %+v", in)
	}
	if !strings.Contains(c.prompt, "my bill is wrong") {
		t.Fatalf("expected transcript in prompt")
	}
}

func TestClassifyTranscript_NormalizesAnswer(t *testing.T) {
	c := &scriptedClient{answer: `{"sentiment":"Mixed","topics":["Billing"," billing ","refund","","a","b","c","d"]}`}
	out, err := ClassifyTranscript(context.Background(), c, "text")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Sentiment != SentimentNeutral {
		t.Fatalf("unknown labels should map to neutral, got %s", out.Sentiment)
	}
	want := []string{"billing", "refund", "a", "b", "c"}
	if strings.Join(out.Topics, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected topics: %v", out.Topics)
	}
}

func TestDecodeJSON_Empty(t *testing.T) {
	var v map[string]any
	if err := decodeJSON("  ", &v); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if err := decodeJSON("not json", &v); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestParseSentiment(t *testing.T) {
	if ParseSentiment(" Positive ") != SentimentPositive || ParseSentiment("NEGATIVE") != SentimentNegative {
		t.Fatalf("expected case-insensitive mapping")
	}
}

func TestClip_KeepsRunesWhole(t *testing.T) {
	short := "héllo"
	if clip(short) != short {
		t.Fatalf("short text must pass through")
	}
	// One ASCII byte shifts every 3-byte rune across the cut point.
	long := "a" + strings.Repeat("€", maxPromptChars)
	got := clip(long)
	if len(got) > maxPromptChars || !utf8.ValidString(got) {
		t.Fatalf("clip produced %d bytes, valid=%v", len(got), utf8.ValidString(got))
	}
	if len(got) < maxPromptChars-utf8.UTFMax {
		t.Fatalf("clip dropped more than one rune: %d bytes", len(got))
	}
}

type stuckClient struct{}

func (stuckClient) Embed(ctx context.Context, text string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stuckClient) CompleteJSON(ctx context.Context, prompt string, out any) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	c := WithTimeout(stuckClient{}, 10*time.Millisecond)
	if _, err := c.Embed(context.Background(), "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline on embed, got %v", err)
	}
	var out map[string]any
	if err := c.CompleteJSON(context.Background(), "x", &out); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline on completion, got %v", err)
	}
	if _, ok := WithTimeout(stuckClient{}, 0).(stuckClient); !ok {
		t.Fatalf("zero timeout must return the client unchanged")
	}
}
