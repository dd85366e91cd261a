package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"invoice-agent/internal/clock"
	"invoice-agent/internal/domain"
	"invoice-agent/internal/extraction"
	"invoice-agent/internal/ratelimit"
	"invoice-agent/internal/repository"
)

var fixedNow = time.Date(2026, 10, 15, 10, 30, 0, 0, time.UTC)

// memoryStore is an in-memory stand-in for the DynamoDB repository.
type memoryStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	invoices      map[string]domain.Invoice
	guards        map[string]string
	counters      map[string]int
	tiers         map[string]domain.Tier
	profiles      map[string]domain.Subscription

	saveErr error
	putErr  error
	subErr  error
	saves   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		conversations: map[string]domain.Conversation{},
		invoices:      map[string]domain.Invoice{},
		guards:        map[string]string{},
		counters:      map[string]int{},
		tiers:         map[string]domain.Tier{},
		profiles:      map[string]domain.Subscription{},
	}
}

func copyConversation(c domain.Conversation) *domain.Conversation {
	c.Messages = append([]domain.Message(nil), c.Messages...)
	c.Fields.LineItems = append([]domain.LineItem(nil), c.Fields.LineItems...)
	return &c
}

func (m *memoryStore) GetConversation(_ context.Context, userID, id string) (*domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return copyConversation(c), nil
}

func (m *memoryStore) SaveConversation(_ context.Context, conv *domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if stored, ok := m.conversations[conv.ID]; (ok && stored.Version != conv.Version) || (!ok && conv.Version != 0) {
		return fmt.Errorf("save: %w", repository.ErrConflict)
	}
	conv.Version++
	m.conversations[conv.ID] = *copyConversation(*conv)
	m.saves++
	return nil
}

func (m *memoryStore) ListConversations(_ context.Context, userID string, limit int, _ string) ([]domain.Conversation, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Conversation
	for _, c := range m.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, "", nil
}

func (m *memoryStore) PutInvoice(_ context.Context, inv domain.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if _, ok := m.invoices[inv.ID]; ok {
		return repository.ErrConflict
	}
	if inv.ConversationID != "" {
		if _, ok := m.guards[inv.ConversationID]; ok {
			return fmt.Errorf("put: %w", repository.ErrConflict)
		}
		m.guards[inv.ConversationID] = inv.ID
	}
	m.invoices[inv.ID] = inv
	return nil
}

func (m *memoryStore) GetInvoice(_ context.Context, userID, id string) (*domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok || inv.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return &inv, nil
}

func (m *memoryStore) ListInvoices(_ context.Context, userID string, q domain.InvoiceQuery) ([]domain.Invoice, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Invoice
	for _, inv := range m.invoices {
		if inv.UserID == userID && (q.Status == "" || inv.Status == q.Status) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, "", nil
}

func (m *memoryStore) InvoiceForConversation(_ context.Context, conversationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.guards[conversationID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return id, nil
}

func (m *memoryStore) AttachPDF(_ context.Context, id, key string, status domain.Status, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok || (inv.PDFReference != "" && inv.PDFReference != key) {
		return repository.ErrConflict
	}
	inv.PDFReference, inv.Status, inv.UpdatedAt = key, status, now
	m.invoices[id] = inv
	return nil
}

func (m *memoryStore) IncrementBelow(_ context.Context, userID, period string, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := userID + "/" + period
	if m.counters[k] >= limit {
		return limit, false, nil
	}
	m.counters[k]++
	return m.counters[k], true, nil
}

func (m *memoryStore) Decrement(_ context.Context, userID, period string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k := userID + "/" + period; m.counters[k] > 0 {
		m.counters[k]--
	}
	return nil
}

func (m *memoryStore) Count(_ context.Context, userID, period string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[userID+"/"+period], nil
}

func (m *memoryStore) GetTier(_ context.Context, userID string) (domain.Tier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tiers[userID]; ok {
		return t, nil
	}
	return domain.TierFree, nil
}

func (m *memoryStore) GetSubscription(ctx context.Context, userID string) (domain.Subscription, error) {
	if m.subErr != nil {
		return domain.Subscription{Tier: domain.TierFree}, m.subErr
	}
	tier, _ := m.GetTier(ctx, userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.profiles[userID]
	sub.Tier = tier
	return sub, nil
}

func (m *memoryStore) invoicesOf(userID string) []domain.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Invoice
	for _, inv := range m.invoices {
		if inv.UserID == userID {
			out = append(out, inv)
		}
	}
	return out
}

type genReply struct {
	text string
	err  error
}

// scriptedGenerator replays canned model outputs; the last one repeats.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies []genReply
	calls   int
	prompts []string
}

func (g *scriptedGenerator) Generate(_ context.Context, _ []domain.ChatMessage, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if len(g.replies) == 0 {
		return "", errors.New("no reply configured")
	}
	idx := min(g.calls, len(g.replies)-1)
	g.calls++
	return g.replies[idx].text, g.replies[idx].err
}

func (g *scriptedGenerator) script(replies ...genReply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = replies
	g.calls = 0
}

type fakeModerator struct {
	flagged bool
	err     error
}

func (f *fakeModerator) Moderate(_ context.Context, _ string) (bool, error) {
	return f.flagged, f.err
}

type fakeThrottle struct {
	result ratelimit.ThrottleResult
	err    error
}

func (f *fakeThrottle) Allow(_ context.Context, _ string) (ratelimit.ThrottleResult, error) {
	return f.result, f.err
}

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

type fixture struct {
	store         *memoryStore
	gen           *scriptedGenerator
	clk           *clock.Fake
	invoices      *InvoiceService
	conversations *ConversationService
}

func newFixture(t *testing.T, configure ...func(*ConversationOptions)) *fixture {
	t.Helper()
	f := &fixture{store: newMemoryStore(), gen: &scriptedGenerator{}, clk: clock.NewFake(fixedNow)}

	quota, err := ratelimit.NewQuota(f.store, ratelimit.QuotaOptions{FreeLimit: 5, Clock: f.clk})
	require.NoError(t, err)
	f.invoices, err = NewInvoiceService(f.store, f.store, quota, f.store, InvoiceOptions{Clock: f.clk})
	require.NoError(t, err)

	engine, err := extraction.New(f.gen, extraction.Options{Attempts: 2, Backoff: time.Millisecond, Clock: f.clk})
	require.NoError(t, err)

	opts := ConversationOptions{Clock: f.clk, RequestTimeout: time.Second}
	for _, c := range configure {
		c(&opts)
	}
	f.conversations, err = NewConversationService(f.store, engine, f.invoices, opts)
	require.NoError(t, err)
	return f
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code, "error: %v", err)
}
