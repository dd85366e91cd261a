package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"invoice-agent/internal/domain"
	"invoice-agent/internal/ratelimit"
	"invoice-agent/internal/repository"
)

const acmeJSON = "```json\n" + `{"customer_name":"Acme Corp","due_date":"in 30 days","line_items":[{"description":"consulting","unit_price":500}]}` + "\n```"

func TestTurn_OneShotCreatesInvoice(t *testing.T) {
	f := newFixture(t)
	f.gen.script(
		genReply{text: "Sure, I can help with that invoice."},
		genReply{text: acmeJSON},
	)

	out, err := f.conversations.Turn(context.Background(), TurnInput{
		UserID:  "user-1",
		Message: "Invoice Acme Corp $500 for consulting, due in 30 days",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StageFinalized, out.Stage)
	require.NotNil(t, out.Invoice)
	require.Empty(t, out.Missing)

	inv := out.Invoice
	require.Equal(t, "Acme Corp", inv.Data.CustomerName)
	require.Len(t, inv.Data.LineItems, 1)
	require.Equal(t, "1", inv.Data.LineItems[0].Quantity.String())
	require.Equal(t, "500.00", inv.Data.LineItems[0].UnitPrice.StringFixed(2))
	require.Equal(t, "2026-10-15", domain.FormatDate(inv.Data.InvoiceDate))
	require.Equal(t, "2026-11-14", domain.FormatDate(inv.Data.DueDate))
	require.Equal(t, "500.00", inv.Totals.Subtotal.StringFixed(2))
	require.Equal(t, domain.StatusDraft, inv.Status)
	require.True(t, strings.HasPrefix(out.Reply, replyCreated))
	require.NotNil(t, out.InvoicesRemaining)
	require.Equal(t, 4, *out.InvoicesRemaining)

	saved, err := f.store.GetConversation(context.Background(), "user-1", out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, domain.StageFinalized, saved.Stage)
	require.Equal(t, inv.ID, saved.InvoiceID)
	require.Len(t, saved.Messages, 2)
	require.Equal(t, domain.RoleUser, saved.Messages[0].Role)
	require.Equal(t, domain.RoleAssistant, saved.Messages[1].Role)
}

func TestTurn_AsksForMissingFieldsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gen.script(genReply{text: `{"customer_name":"Globex"}`})
	first, err := f.conversations.Turn(ctx, TurnInput{UserID: "user-1", Message: "Bill Globex"})
	require.NoError(t, err)
	require.Equal(t, domain.StageCollecting, first.Stage)
	require.Equal(t, []string{domain.FieldDueDate, domain.FieldLineItems}, first.Missing)
	require.Equal(t, missingReply(first.Missing), first.Reply)
	require.Nil(t, first.Invoice)

	f.gen.script(genReply{text: `{"due_date":"2026-11-30"}`})
	second, err := f.conversations.Turn(ctx, TurnInput{ConversationID: first.ConversationID, UserID: "user-1", Message: "due end of November"})
	require.NoError(t, err)
	require.Equal(t, []string{domain.FieldLineItems}, second.Missing)
	require.Equal(t, "Globex", *second.Fields.CustomerName)

	f.gen.script(genReply{text: `{"line_items":[{"description":"widgets","quantity":3,"unit_price":"19.99"}]}`})
	third, err := f.conversations.Turn(ctx, TurnInput{ConversationID: first.ConversationID, UserID: "user-1", Message: "3 widgets at 19.99"})
	require.NoError(t, err)
	require.Equal(t, domain.StageFinalized, third.Stage)
	require.Equal(t, "59.97", third.Invoice.Totals.Total.StringFixed(2))
	require.Contains(t, f.gen.prompts[len(f.gen.prompts)-1], "Globex", "known fields are sent with the prompt")
}

func TestTurn_QuotaExhaustedLeavesConversationReady(t *testing.T) {
	f := newFixture(t)
	f.store.counters["user-1/2026-10"] = 5
	f.gen.script(genReply{text: acmeJSON})

	out, err := f.conversations.Turn(context.Background(), TurnInput{UserID: "user-1", Message: "Invoice Acme Corp $500 for consulting, due in 30 days"})
	require.NoError(t, err)
	require.Equal(t, domain.StageReady, out.Stage)
	require.True(t, out.UsageLimitReached)
	require.NotNil(t, out.InvoicesRemaining)
	require.Zero(t, *out.InvoicesRemaining)
	require.Nil(t, out.Invoice)
	require.Contains(t, out.Reply, "5/5")
	require.Empty(t, f.store.invoicesOf("user-1"))
	require.Equal(t, 5, f.store.counters["user-1/2026-10"])
}

func TestTurn_ModelErrorStillSavesMessage(t *testing.T) {
	f := newFixture(t)
	f.gen.script(genReply{err: errors.New("connection reset")})

	out, err := f.conversations.Turn(context.Background(), TurnInput{UserID: "user-1", Message: "Invoice Initech"})
	require.NoError(t, err)
	require.Equal(t, replyModelError, out.Reply)
	require.Equal(t, domain.StageCollecting, out.Stage)

	saved, err := f.store.GetConversation(context.Background(), "user-1", out.ConversationID)
	require.NoError(t, err)
	require.Len(t, saved.Messages, 2)
	require.Equal(t, "Invoice Initech", saved.Messages[0].Content)
}

func TestTurn_UnparsableOutputAsksToRephrase(t *testing.T) {
	f := newFixture(t)
	f.gen.script(genReply{text: "I am not sure what you mean."})

	out, err := f.conversations.Turn(context.Background(), TurnInput{UserID: "user-1", Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, replyRephrase, out.Reply)
	require.Equal(t, 2, f.gen.calls)
}

func TestTurn_CancelAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gen.script(genReply{text: `{"customer_name":"Acme Corp"}`})
	first, err := f.conversations.Turn(ctx, TurnInput{UserID: "user-1", Message: "Invoice Acme"})
	require.NoError(t, err)

	f.gen.script(genReply{text: `{"action":"cancel"}`})
	out, err := f.conversations.Turn(ctx, TurnInput{ConversationID: first.ConversationID, UserID: "user-1", Message: "never mind"})
	require.NoError(t, err)
	require.Equal(t, domain.StageCancelled, out.Stage)
	require.Equal(t, replyCancelled, out.Reply)

	calls := f.gen.calls
	closed, err := f.conversations.Turn(ctx, TurnInput{ConversationID: first.ConversationID, UserID: "user-1", Message: "actually do it"})
	require.NoError(t, err)
	require.Equal(t, replyClosed, closed.Reply)
	require.Equal(t, calls, f.gen.calls, "closed conversations are not sent to the model")

	saved, err := f.store.GetConversation(ctx, "user-1", first.ConversationID)
	require.NoError(t, err)
	require.Len(t, saved.Messages, 4)
}

func TestTurn_ReadyConversationKeepsCompleteFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.counters["user-1/2026-10"] = 5
	f.gen.script(genReply{text: acmeJSON})
	first, err := f.conversations.Turn(ctx, TurnInput{UserID: "user-1", Message: "Invoice Acme"})
	require.NoError(t, err)
	require.Equal(t, domain.StageReady, first.Stage)

	f.gen.script(genReply{text: `{"due_date":"2026-01-01"}`})
	out, err := f.conversations.Turn(ctx, TurnInput{ConversationID: first.ConversationID, UserID: "user-1", Message: "make it due in January"})
	require.NoError(t, err)
	require.Equal(t, domain.StageReady, out.Stage)
	require.Equal(t, "2026-11-14", domain.FormatDate(*out.Fields.DueDate))
	require.Contains(t, out.Reply, "kept the previous details")
}

func TestTurn_InputValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		in     TurnInput
		reason string
	}{
		{name: "missing user", in: TurnInput{Message: "hi"}, reason: "missing_user"},
		{name: "blank message", in: TurnInput{UserID: "u", Message: "   "}, reason: "empty_message"},
		{name: "too long", in: TurnInput{UserID: "u", Message: strings.Repeat("é", 2001)}, reason: "message_too_long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.conversations.Turn(context.Background(), tt.in)
			requireCode(t, err, ErrorInvalidInput)
			var ue *Error
			require.ErrorAs(t, err, &ue)
			require.Equal(t, tt.reason, ue.Reason)
		})
	}
	require.Zero(t, f.store.saves)
}

func TestTurn_UnknownOrForeignConversation(t *testing.T) {
	f := newFixture(t)
	f.gen.script(genReply{text: `{"customer_name":"Acme Corp"}`})
	out, err := f.conversations.Turn(context.Background(), TurnInput{UserID: "user-1", Message: "Invoice Acme"})
	require.NoError(t, err)

	_, err = f.conversations.Turn(context.Background(), TurnInput{ConversationID: out.ConversationID, UserID: "user-2", Message: "hi"})
	requireCode(t, err, ErrorNotFound)

	_, err = f.conversations.Turn(context.Background(), TurnInput{ConversationID: "missing", UserID: "user-1", Message: "hi"})
	requireCode(t, err, ErrorNotFound)
}

func TestTurn_SaveConflict(t *testing.T) {
	f := newFixture(t)
	f.gen.script(genReply{text: `{"customer_name":"Acme Corp"}`})
	f.store.saveErr = fmt.Errorf("conditional check failed: %w", repository.ErrConflict)

	_, err := f.conversations.Turn(context.Background(), TurnInput{UserID: "user-1", Message: "Invoice Acme"})
	requireCode(t, err, ErrorConflict)
}

func TestTurn_AdmissionChecks(t *testing.T) {
	tests := []struct {
		name      string
		moderator *fakeModerator
		throttle  *fakeThrottle
		code      ErrorCode
	}{
		{name: "flagged", moderator: &fakeModerator{flagged: true}, code: ErrorInvalidInput},
		{name: "moderation rate limited", moderator: &fakeModerator{err: &statusErr{code: 429}}, code: ErrorRateLimited},
		{name: "moderation down", moderator: &fakeModerator{err: &statusErr{code: 500}}, code: ErrorUpstream},
		{name: "throttled", throttle: &fakeThrottle{result: ratelimit.ThrottleResult{Allowed: false, RetryAfter: 30 * time.Second}}, code: ErrorRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *ConversationOptions) {
				if tt.moderator != nil {
					o.Moderator = tt.moderator
				}
				if tt.throttle != nil {
					o.Throttle = tt.throttle
				}
			})
			f.gen.script(genReply{text: `{"customer_name":"Acme Corp"}`})
			_, err := f.conversations.Turn(context.Background(), TurnInput{UserID: "user-1", Message: "Invoice Acme"})
			requireCode(t, err, tt.code)
			require.Zero(t, f.gen.calls)
			require.Zero(t, f.store.saves)
		})
	}
}

func TestTurn_ThrottleOutageFailsOpen(t *testing.T) {
	f := newFixture(t, func(o *ConversationOptions) {
		o.Throttle = &fakeThrottle{err: errors.New("redis: connection refused")}
	})
	f.gen.script(genReply{text: `{"customer_name":"Acme Corp"}`})

	out, err := f.conversations.Turn(context.Background(), TurnInput{UserID: "user-1", Message: "Invoice Acme"})
	require.NoError(t, err)
	require.Equal(t, domain.StageCollecting, out.Stage)
}

func TestListConversations(t *testing.T) {
	f := newFixture(t)
	f.gen.script(genReply{text: `{"customer_name":"Acme Corp"}`})
	for i := 0; i < 3; i++ {
		f.clk.Advance(time.Minute)
		_, err := f.conversations.Turn(context.Background(), TurnInput{UserID: "user-1", Message: "Invoice Acme"})
		require.NoError(t, err)
	}

	page, err := f.conversations.ListConversations(context.Background(), "user-1", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)
	require.True(t, page.Conversations[0].UpdatedAt.After(page.Conversations[1].UpdatedAt))

	_, err = f.conversations.ListConversations(context.Background(), "user-1", 101, "")
	requireCode(t, err, ErrorInvalidInput)
}

func TestJoinList(t *testing.T) {
	require.Equal(t, "", joinList(nil))
	require.Equal(t, "a", joinList([]string{"a"}))
	require.Equal(t, "a and b", joinList([]string{"a", "b"}))
	require.Equal(t, "a, b and c", joinList([]string{"a", "b", "c"}))
}
