package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ParseSentiment maps free-form labels onto the three known values; anything else is neutral.
func ParseSentiment(s string) Sentiment {
	switch Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case SentimentPositive:
		return SentimentPositive
	case SentimentNegative:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// maxPromptChars keeps long calls within the model's context window.
const maxPromptChars = 24000

// clip cuts text to at most maxPromptChars bytes without splitting a UTF-8 sequence.
func clip(text string) string {
	if len(text) <= maxPromptChars {
		return text
	}
	cut := maxPromptChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Insights is the summary and sentiment derived for a transcript.
type Insights struct {
	Summary        string  `json:"summary"`
	SentimentScore float64 `json:"sentiment_score"`
}

func SummarizeTranscript(ctx context.Context, c Client, transcript string) (Insights, error) {
	prompt := fmt.Sprintf(`Summarise this phone call in at most three sentences and score the caller's overall sentiment
from -1 (very negative) to 1 (very positive).

Respond as {"summary": string, "sentiment_score": number}.

Transcript:
%s`, clip(transcript))

	var out Insights
	if err := c.CompleteJSON(ctx, prompt, &out); err != nil {
		return Insights{}, err
	}
	out.Summary = strings.TrimSpace(out.Summary)
	return out, nil
}

// Classification is the sentiment label and topic list used by the analytics pipeline.
type Classification struct {
	Sentiment Sentiment `json:"sentiment"`
	Topics    []string  `json:"topics"`
}

func ClassifyTranscript(ctx context.Context, c Client, transcript string) (Classification, error) {
	prompt := fmt.Sprintf(`Classify this phone call.

Respond as {"sentiment": "positive" | "neutral" | "negative", "topics": [string]} with at most five short topics.

Transcript:
%s`, clip(transcript))

	var raw struct {
		Sentiment string   `json:"sentiment"`
		Topics    []string `json:"topics"`
	}
	if err := c.CompleteJSON(ctx, prompt, &raw); err != nil {
		return Classification{}, err
	}
	out := Classification{Sentiment: ParseSentiment(raw.Sentiment), Topics: make([]string, 0, len(raw.Topics))}
	seen := map[string]bool{}
	for _, t := range raw.Topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out.Topics = append(out.Topics, t)
		if len(out.Topics) == 5 {
			break
		}
	}
	return out, nil
}
