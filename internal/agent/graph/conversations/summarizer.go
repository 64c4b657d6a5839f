package conversations

import (
	"context"
	"fmt"
	"strings"

	"github.com/chative/agent-runtime/internal/agent/model"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const summaryPrefix = "Summary of the earlier conversation: "

// Summarizer condenses older turns into a single text.
type Summarizer interface {
	Summarize(ctx context.Context, turns []model.Turn) (string, error)
}

// DigestSummarizer keeps the head and tail of every turn. It needs no model
// and is the fallback when no summary model is configured.
type DigestSummarizer struct {
	HeadChars int
	TailChars int
}

func (d DigestSummarizer) Summarize(_ context.Context, turns []model.Turn) (string, error) {
	head, tail := d.HeadChars, d.TailChars
	if head <= 0 {
		head = 80
	}
	if tail <= 0 {
		tail = 40
	}
	var b strings.Builder
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		content := []rune(strings.TrimSpace(t.Content))
		if len(content) > head+tail {
			content = append(append(content[:head:head], []rune(" … ")...), content[len(content)-tail:]...)
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Role, string(content))
	}
	return strings.TrimSpace(b.String()), nil
}

const summarizeInstruction = `Summarize the conversation below for an assistant who will continue it.
Keep names, order numbers, dates, commitments and unresolved questions. Write at most 8 short sentences.`

// ModelSummarizer asks a chat model for the summary.
type ModelSummarizer struct {
	Model einomodel.BaseChatModel
}

func (m ModelSummarizer) Summarize(ctx context.Context, turns []model.Turn) (string, error) {
	var transcript strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&transcript, "%s: %s\n", t.Role, t.Content)
	}
	out, err := m.Model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(summarizeInstruction),
		schema.UserMessage(transcript.String()),
	})
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	summary := strings.TrimSpace(out.Content)
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}

var (
	_ Summarizer = DigestSummarizer{}
	_ Summarizer = ModelSummarizer{}
)
