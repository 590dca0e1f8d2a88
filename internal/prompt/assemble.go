package prompt

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MikeSquared-Agency/warden/internal/conversation"
	"github.com/MikeSquared-Agency/warden/internal/llm"
)

// ErrContextOverflow means the system text and question alone exceed the
// budget.
var ErrContextOverflow = errors.New("context overflow")

type OverflowError struct {
	Required int
	Budget   int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("context overflow: system prompt and question need %d tokens, budget is %d", e.Required, e.Budget)
}

func (e *OverflowError) Is(target error) bool { return target == ErrContextOverflow }

// Document is a retrieval hit. It is read-only here and never persisted.
type Document struct {
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	SourceID string  `json:"source_id"`
	Title    string  `json:"title,omitempty"`
}

const documentHeader = "Document:\n"

// Input is everything one assembly needs.
type Input struct {
	Model     string
	System    string
	History   conversation.Transcript
	Question  string
	Documents []Document
	Budget    int
}

// Assembled is the prompt that was chosen. It is recomputed per request.
type Assembled struct {
	System    string
	History   conversation.Transcript
	Documents []Document
	Question  string

	TotalTokens      int
	HistoryTruncated bool
	DroppedDocuments int
}

type Assembler struct {
	count  Counter
	policy Policy
}

func NewAssembler(count Counter, policy Policy) (*Assembler, error) {
	if count == nil {
		count = EstimateTokens
	}
	if policy.Mode == "" {
		policy.Mode = HistoryFirst
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Assembler{count: count, policy: policy}, nil
}

// Assemble fits in.System, in.Question and as much history and as many
// documents as the policy allows into in.Budget. Output depends only on the
// arguments.
func (a *Assembler) Assemble(in Input) (*Assembled, error) {
	mandatory := a.count(in.Model, in.System) + a.count(in.Model, in.Question)
	if mandatory > in.Budget {
		return nil, &OverflowError{Required: mandatory, Budget: in.Budget}
	}
	remaining := in.Budget - mandatory

	docs := a.rankDocuments(in.Documents)

	out := &Assembled{System: in.System, Question: in.Question}
	var historyTokens, docTokens int
	switch a.policy.Mode {
	case HistoryFirst:
		out.History, historyTokens = a.fillHistory(in.Model, in.History, remaining)
		out.Documents, docTokens = a.fillDocuments(in.Model, docs, remaining-historyTokens)
	case DocumentsFirst:
		out.Documents, docTokens = a.fillDocuments(in.Model, docs, remaining)
		out.History, historyTokens = a.fillHistory(in.Model, in.History, remaining-docTokens)
	case Ratio:
		h, d := a.policy.ratioSplit(remaining)
		out.History, historyTokens = a.fillHistory(in.Model, in.History, h)
		out.Documents, docTokens = a.fillDocuments(in.Model, docs, d)
	}

	out.TotalTokens = mandatory + historyTokens + docTokens
	out.HistoryTruncated = len(out.History) < len(in.History)
	out.DroppedDocuments = len(in.Documents) - len(out.Documents)
	return out, nil
}

// fillHistory takes turns newest first and stops at the first one that does
// not fit, so the kept slice is always a contiguous suffix.
func (a *Assembler) fillHistory(model string, history conversation.Transcript, limit int) (conversation.Transcript, int) {
	used, start := 0, len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := a.count(model, history[i].Content)
		if used+n > limit {
			break
		}
		used += n
		start = i
	}
	if a.policy.UserFirst && start < len(history) && history[start].Role == conversation.RoleAssistant {
		used -= a.count(model, history[start].Content)
		start++
	}
	if start == len(history) {
		return nil, 0
	}
	return slices.Clone(history[start:]), used
}

// fillDocuments takes documents in rank order and stops at the first one that
// does not fit.
func (a *Assembler) fillDocuments(model string, docs []Document, limit int) ([]Document, int) {
	var kept []Document
	used := 0
	for _, d := range docs {
		n := a.count(model, renderDocument(d))
		if used+n > limit {
			break
		}
		used += n
		kept = append(kept, d)
	}
	return kept, used
}

// rankDocuments filters by score and orders by score, then source, then text.
func (a *Assembler) rankDocuments(docs []Document) []Document {
	ranked := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d.Score < a.policy.MinDocumentScore || strings.TrimSpace(d.Text) == "" {
			continue
		}
		ranked = append(ranked, d)
	}
	slices.SortFunc(ranked, func(x, y Document) int {
		if c := cmp.Compare(y.Score, x.Score); c != 0 {
			return c
		}
		if c := strings.Compare(x.SourceID, y.SourceID); c != 0 {
			return c
		}
		return strings.Compare(x.Text, y.Text)
	})
	return ranked
}

func renderDocument(d Document) string {
	return documentHeader + d.Text
}

// SystemText is the system prompt with the selected documents appended.
func (p *Assembled) SystemText() string {
	if len(p.Documents) == 0 {
		return p.System
	}
	var b strings.Builder
	b.WriteString(p.System)
	for _, d := range p.Documents {
		b.WriteString("\n\n")
		b.WriteString(renderDocument(d))
	}
	return b.String()
}

// Messages renders the history followed by the current question.
func (p *Assembled) Messages() []llm.Message {
	msgs := make([]llm.Message, 0, len(p.History)+1)
	for _, t := range p.History {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: p.Question})
}

// Request builds the completion request for this prompt.
func (p *Assembled) Request(model string, maxTokens int) llm.Request {
	return llm.Request{
		Model:     model,
		System:    p.SystemText(),
		Messages:  p.Messages(),
		MaxTokens: maxTokens,
	}
}
