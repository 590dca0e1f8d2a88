// Package governor runs one request through admission, context assembly,
// generation and commit. Quota is reserved before any work, refunded on every
// abort path and settled to the real token count once an answer exists.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/warden/internal/conversation"
	"github.com/MikeSquared-Agency/warden/internal/hermes"
	"github.com/MikeSquared-Agency/warden/internal/llm"
	"github.com/MikeSquared-Agency/warden/internal/prompt"
	"github.com/MikeSquared-Agency/warden/internal/quota"
)

// commitTimeout bounds commit and release work, which runs detached from the
// caller's context.
const commitTimeout = 10 * time.Second

// Retriever is the opaque document retrieval capability. An empty result is
// valid.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]prompt.Document, error)
}

type Config struct {
	Model        string
	Window       prompt.Window
	SystemPrompt string

	Limiters []quota.Limiter
	// Reservation is debited from every limiter at admission.
	Reservation int64

	TopK            int
	BackendRetries  int
	UpstreamRetries int
	Backoff         Backoff
	RequestTimeout  time.Duration
}

type Deps struct {
	Cache     conversation.Cache
	Ledger    quota.Ledger
	Assembler *prompt.Assembler
	Counter   prompt.Counter
	Provider  llm.Provider
	Retriever Retriever
	Events    hermes.Publisher
	Logger    *slog.Logger
}

type Governor struct {
	cache     conversation.Cache
	ledger    quota.Ledger
	assembler *prompt.Assembler
	count     prompt.Counter
	provider  llm.Provider
	retriever Retriever
	events    hermes.Publisher
	logger    *slog.Logger
	cfg       Config
	retry     retrier
	now       func() time.Time
}

func New(d Deps, cfg Config) (*Governor, error) {
	if d.Cache == nil || d.Ledger == nil || d.Provider == nil || d.Assembler == nil {
		return nil, errors.New("governor: cache, ledger, assembler and provider are required")
	}
	if err := cfg.Window.Validate(); err != nil {
		return nil, fmt.Errorf("governor: %w", err)
	}
	if cfg.Reservation <= 0 {
		cfg.Reservation = 1
	}
	if cfg.Backoff.Initial <= 0 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	for _, l := range cfg.Limiters {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("governor: %w", err)
		}
	}
	if d.Counter == nil {
		d.Counter = prompt.EstimateTokens
	}
	if d.Events == nil {
		d.Events = hermes.Discard{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Governor{
		cache:     d.Cache,
		ledger:    d.Ledger,
		assembler: d.Assembler,
		count:     d.Counter,
		provider:  d.Provider,
		retriever: d.Retriever,
		events:    d.Events,
		logger:    d.Logger,
		cfg:       cfg,
		retry:     retrier{backoff: cfg.Backoff, after: time.After, logger: d.Logger},
		now:       time.Now,
	}, nil
}

type Query struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Question       string `json:"query"`
}

// key scopes the conversation to the asking user.
func (q Query) key() conversation.Key {
	return conversation.Key{User: q.UserID, ID: q.ConversationID}
}

func (q Query) validate() error {
	if err := q.key().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(q.Question) == "" {
		return errors.New("question is required")
	}
	return nil
}

// Reference identifies a document that was placed in the prompt.
type Reference struct {
	SourceID string  `json:"source_id"`
	Title    string  `json:"title,omitempty"`
	Score    float64 `json:"score"`
}

type Answer struct {
	ConversationID      string      `json:"conversation_id"`
	Text                string      `json:"response"`
	InputTokens         int         `json:"input_tokens"`
	OutputTokens        int         `json:"output_tokens"`
	TokensUsed          int64       `json:"tokens_used"`
	Truncated           bool        `json:"truncated"`
	ReferencedDocuments []Reference `json:"referenced_documents"`

	// CommitFailed is set when the answer could not be persisted or charged.
	// The answer itself is still valid.
	CommitFailed bool `json:"commit_failed,omitempty"`
}

// HandleQuery answers q. On any error nothing is appended to the transcript
// and any reserved quota has been refunded.
func (g *Governor) HandleQuery(ctx context.Context, q Query) (*Answer, error) {
	if err := q.validate(); err != nil {
		return nil, newError(CodeInvalidRequest, err.Error(), err)
	}
	if g.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
	}
	logger := g.logger.With("conversation_id", q.ConversationID, "user_id", q.UserID)

	reservation, err := g.admit(ctx, q, logger)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			g.release(ctx, reservation, logger)
		}
	}()

	history, err := do(ctx, g.retry, "load transcript", g.cfg.BackendRetries, isCacheTransient,
		func(ctx context.Context) (conversation.Transcript, error) {
			return g.cache.Get(ctx, q.key())
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(CodeCanceled, "load transcript", errors.Join(ctx.Err(), err))
		}
		return nil, g.cacheError("load transcript", err)
	}

	docs := g.retrieve(ctx, q.Question, logger)

	assembled, err := g.assembler.Assemble(prompt.Input{
		Model:     g.cfg.Model,
		System:    g.cfg.SystemPrompt,
		History:   history,
		Question:  q.Question,
		Documents: docs,
		Budget:    g.cfg.Window.Budget(),
	})
	if err != nil {
		if errors.Is(err, prompt.ErrContextOverflow) {
			logger.Warn("prompt does not fit context window", "error", err)
			return nil, newError(CodeContextOverflow, "system prompt and question exceed the context window", err)
		}
		return nil, newError(CodeInternal, "assemble prompt", err)
	}
	if assembled.HistoryTruncated {
		logger.Debug("history truncated", "kept", len(assembled.History), "total", len(history))
	}

	req := assembled.Request(g.cfg.Model, g.cfg.Window.MaxResponseTokens)
	resp, err := do(ctx, g.retry, "generate", g.cfg.UpstreamRetries, llm.IsRetryable,
		func(ctx context.Context) (*llm.Response, error) {
			return g.provider.Complete(ctx, req)
		})
	if err != nil {
		logger.Error("generation failed", "error", err)
		if ctx.Err() != nil {
			return nil, newError(CodeCanceled, "generation interrupted", errors.Join(ctx.Err(), err))
		}
		return nil, newError(CodeUpstream, "generation failed", err)
	}

	committed = true
	answer := g.answer(q, assembled, resp)
	g.commit(ctx, q, len(history), reservation, answer, logger)
	return answer, nil
}

func (g *Governor) admit(ctx context.Context, q Query, logger *slog.Logger) (*quota.Reservation, error) {
	if len(g.cfg.Limiters) == 0 {
		return nil, nil
	}
	claims := make([]quota.Claim, len(g.cfg.Limiters))
	for i, l := range g.cfg.Limiters {
		claims[i] = quota.Claim{Limiter: l.Name, Subject: l.Subject(q.UserID), Amount: g.cfg.Reservation}
	}

	r, err := do(ctx, g.retry, "reserve quota", g.cfg.BackendRetries, isLedgerTransient,
		func(ctx context.Context) (*quota.Reservation, error) {
			return g.ledger.Reserve(ctx, claims)
		})
	if err == nil {
		return r, nil
	}

	var ex *quota.ExceededError
	switch {
	case ctx.Err() != nil:
		return nil, newError(CodeCanceled, "reserve quota", errors.Join(ctx.Err(), err))
	case errors.As(err, &ex):
		logger.Info("quota exceeded", "limiter", ex.Limiter, "subject", ex.Subject, "available", ex.Available)
		g.publish(hermes.SubjectQuotaExceeded, hermes.QuotaExceededEvent{
			ConversationID: q.ConversationID,
			Limiter:        ex.Limiter,
			Subject:        ex.Subject,
			Available:      ex.Available,
			Needed:         ex.Needed,
			Timestamp:      g.now().UTC(),
		}, logger)
		return nil, newError(CodeQuotaExceeded, fmt.Sprintf("%s quota exhausted for %s", ex.Limiter, ex.Subject), err)
	case errors.Is(err, quota.ErrUnavailable):
		logger.Error("quota ledger unavailable", "error", err)
		return nil, newError(CodeQuotaUnavailable, "reserve quota", err)
	default:
		return nil, newError(CodeInternal, "reserve quota", err)
	}
}

// release refunds r. It runs detached from ctx so a cancelled request still
// returns its reservation.
func (g *Governor) release(ctx context.Context, r *quota.Reservation, logger *slog.Logger) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	_, err := do(ctx, g.retry, "release quota", g.cfg.BackendRetries, isLedgerTransient,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.ledger.Release(ctx, r)
		})
	if err != nil {
		logger.Error("failed to release quota reservation", "reservation_id", r.ID, "error", err)
	}
}

func (g *Governor) retrieve(ctx context.Context, question string, logger *slog.Logger) []prompt.Document {
	if g.retriever == nil || g.cfg.TopK <= 0 {
		return nil
	}
	docs, err := g.retriever.Retrieve(ctx, question, g.cfg.TopK)
	if err != nil {
		logger.Warn("document retrieval failed, answering without documents", "error", err)
		return nil
	}
	return docs
}

func (g *Governor) answer(q Query, p *prompt.Assembled, resp *llm.Response) *Answer {
	in, out := resp.InputTokens, resp.OutputTokens
	if in == 0 {
		in = p.TotalTokens
	}
	if out == 0 {
		out = g.count(g.cfg.Model, resp.Text)
	}
	refs := make([]Reference, 0, len(p.Documents))
	for _, d := range p.Documents {
		refs = append(refs, Reference{SourceID: d.SourceID, Title: d.Title, Score: d.Score})
	}
	return &Answer{
		ConversationID:      q.ConversationID,
		Text:                resp.Text,
		InputTokens:         in,
		OutputTokens:        out,
		TokensUsed:          int64(in + out),
		Truncated:           p.HistoryTruncated,
		ReferencedDocuments: refs,
	}
}

// commit persists the exchange after the base turns it was answered from and
// settles the reservation. Failures here never fail the request: they are
// logged, published and flagged on a.
func (g *Governor) commit(ctx context.Context, q Query, base int, r *quota.Reservation, a *Answer, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	now := g.now().UTC()
	exchange := []conversation.Turn{
		{Role: conversation.RoleUser, Content: q.Question, Timestamp: now},
		{Role: conversation.RoleAssistant, Content: a.Text, Timestamp: now},
	}
	if err := g.appendExchange(ctx, q.key(), base, exchange); err != nil {
		g.commitFailed(q, r, a, "append", err, logger)
	}

	if r == nil {
		return
	}
	_, err := do(ctx, g.retry, "settle quota", g.cfg.BackendRetries, isLedgerTransient,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.ledger.Settle(ctx, r, a.TokensUsed)
		})
	if err != nil {
		g.commitFailed(q, r, a, "settle", err, logger)
	}
}

// appendExchange appends exchange at base. A retried append that finds the
// transcript moved on checks whether the moved-on transcript is its own
// earlier attempt, stored before the error reached us. ErrStale on the first
// attempt means another request answered from the same history; nothing is
// stored in that case.
func (g *Governor) appendExchange(ctx context.Context, key conversation.Key, base int, exchange []conversation.Turn) error {
	attempts := 0
	_, err := do(ctx, g.retry, "append exchange", g.cfg.BackendRetries, isCacheTransient,
		func(ctx context.Context) (struct{}, error) {
			attempts++
			_, err := g.cache.Append(ctx, key, base, exchange...)
			if attempts == 1 || !errors.Is(err, conversation.ErrStale) {
				return struct{}{}, err
			}
			stored, getErr := g.cache.Get(ctx, key)
			if getErr != nil {
				return struct{}{}, getErr
			}
			if len(stored) == base+len(exchange) && stored.Holds(base, exchange) {
				return struct{}{}, nil
			}
			return struct{}{}, err
		})
	return err
}

func (g *Governor) commitFailed(q Query, r *quota.Reservation, a *Answer, stage string, err error, logger *slog.Logger) {
	a.CommitFailed = true
	reservationID := ""
	if r != nil {
		reservationID = r.ID.String()
	}
	logger.Error("commit failed", "stage", stage, "reservation_id", reservationID, "tokens_used", a.TokensUsed, "error", err)
	g.publish(hermes.SubjectCommitFailed, hermes.CommitFailedEvent{
		ConversationID: q.ConversationID,
		UserID:         q.UserID,
		ReservationID:  reservationID,
		Stage:          stage,
		TokensUsed:     a.TokensUsed,
		Question:       q.Question,
		Answer:         a.Text,
		Error:          err.Error(),
		Timestamp:      g.now().UTC(),
	}, logger)
}

func (g *Governor) publish(subject string, event any, logger *slog.Logger) {
	if err := g.events.Publish(subject, event); err != nil {
		logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

func (g *Governor) cacheError(op string, err error) error {
	if errors.Is(err, conversation.ErrUnavailable) {
		g.logger.Error("conversation cache unavailable", "op", op, "error", err)
		return newError(CodeCacheUnavailable, op, err)
	}
	if errors.Is(err, conversation.ErrInvalidID) || errors.Is(err, conversation.ErrInvalidUser) {
		return newError(CodeInvalidRequest, op, err)
	}
	return newError(CodeInternal, op, err)
}

// Transcript returns the stored transcript of one of user's conversations.
// Another user's conversation of the same id is not visible.
func (g *Governor) Transcript(ctx context.Context, user, id string) (conversation.Transcript, error) {
	key := conversation.Key{User: user, ID: id}
	if err := key.Validate(); err != nil {
		return nil, newError(CodeInvalidRequest, "invalid conversation key", err)
	}
	tr, err := do(ctx, g.retry, "load transcript", g.cfg.BackendRetries, isCacheTransient,
		func(ctx context.Context) (conversation.Transcript, error) {
			return g.cache.Get(ctx, key)
		})
	if err != nil {
		return nil, g.cacheError("load transcript", err)
	}
	return tr, nil
}

// DeleteConversation removes one of user's conversations.
func (g *Governor) DeleteConversation(ctx context.Context, user, id string) (bool, error) {
	key := conversation.Key{User: user, ID: id}
	if err := key.Validate(); err != nil {
		return false, newError(CodeInvalidRequest, "invalid conversation key", err)
	}
	deleted, err := g.cache.Delete(ctx, key)
	if err != nil {
		return false, g.cacheError("delete conversation", err)
	}
	return deleted, nil
}

// Conversations lists user's conversations, most recently active first.
func (g *Governor) Conversations(ctx context.Context, user string) ([]conversation.Summary, error) {
	if err := conversation.ValidateUser(user); err != nil {
		return nil, newError(CodeInvalidRequest, "invalid user id", err)
	}
	list, err := do(ctx, g.retry, "list conversations", g.cfg.BackendRetries, isCacheTransient,
		func(ctx context.Context) ([]conversation.Summary, error) {
			return g.cache.List(ctx, user)
		})
	if err != nil {
		return nil, g.cacheError("list conversations", err)
	}
	return list, nil
}

// Available reports the remaining quota of subject under limiter.
func (g *Governor) Available(ctx context.Context, limiter, subject string) (int64, error) {
	n, err := g.ledger.Available(ctx, limiter, subject)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, quota.ErrUnknownLimiter):
		return 0, newError(CodeInvalidRequest, "unknown limiter", err)
	case errors.Is(err, quota.ErrUnavailable):
		return 0, newError(CodeQuotaUnavailable, "read quota", err)
	default:
		return 0, newError(CodeInternal, "read quota", err)
	}
}

func isCacheTransient(err error) bool  { return errors.Is(err, conversation.ErrUnavailable) }
func isLedgerTransient(err error) bool { return errors.Is(err, quota.ErrUnavailable) }
