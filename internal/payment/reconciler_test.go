package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/adapters/memory"
	"github.com/robertarktes/expedition-reservations/internal/booking"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/ledger"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/payment"
	"github.com/robertarktes/expedition-reservations/internal/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

type failingTickets struct{ calls int }

func (f *failingTickets) Issue(ctx context.Context, id int64) (*domain.Ticket, error) {
	f.calls++
	return nil, errors.New("qr backend down")
}

func (f *failingTickets) EnsureIssued(ctx context.Context, id int64) (*domain.Ticket, error) {
	f.calls++
	return nil, errors.New("qr backend down")
}

type fakeFetcher struct {
	tx  *payment.Transaction
	err error
}

func (f fakeFetcher) GetTransaction(ctx context.Context, id string) (*payment.Transaction, error) {
	return f.tx, f.err
}

type env struct {
	st      *memory.Store
	issuer  *ticket.Issuer
	dep     domain.Departure
	booking domain.Booking
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memory.NewStore()
	dep := st.PutDeparture(domain.Departure{
		TripID: 1, CapacityTotal: 4, CapacityAvailable: 2, Status: domain.DepartureAvailable,
		EndDate: now.Add(72 * time.Hour), Currency: "COP",
	})
	b := st.PutBooking(domain.Booking{
		DepartureID: dep.ID, TripID: 1, BuyerID: 7, Reference: "EXP-REF-1", Status: domain.BookingPending,
		Items: []domain.BookingItem{{Type: domain.ItemAdult, Quantity: 2}}, Total: 200, ReferralCode: "AMIGO",
		CreatedAt: now.Add(-time.Minute),
	})
	signer, err := ticket.NewSigner([]byte("ticket-signing-key-for-tests"))
	require.NoError(t, err)
	issuer := ticket.NewIssuer(st, signer, observability.NopLogger(), ticket.WithQRSize(64))
	return &env{st: st, issuer: issuer, dep: dep, booking: b}
}

func (e *env) reconciler(policy booking.DeclinePolicy, tickets payment.TicketIssuer, opts ...payment.Option) *payment.Reconciler {
	logger := observability.NopLogger()
	m := booking.NewMachine(ledger.New(logger), policy, logger)
	if tickets == nil {
		tickets = e.issuer
	}
	opts = append([]payment.Option{payment.WithClock(func() time.Time { return now })}, opts...)
	return payment.NewReconciler(e.st, m, tickets, logger, opts...)
}

func eventTypes(st *memory.Store) []string {
	var out []string
	for _, rec := range st.Outbox() {
		out = append(out, rec.EventType)
	}
	return out
}

func TestSettle_ApprovedConfirms(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(nil, nil)

	out, err := r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "APPROVED"})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, out.Status)
	assert.False(t, out.AlreadyFinalized)

	b, _ := e.st.Booking(e.booking.ID)
	assert.Equal(t, domain.BookingConfirmed, b.Status)
	assert.Equal(t, "tx-1", b.TransactionID)

	dep, _ := e.st.Departure(e.dep.ID)
	assert.Equal(t, 2, dep.CapacityAvailable)

	tk, ok := e.st.Ticket(e.booking.ID)
	require.True(t, ok)
	assert.NotEmpty(t, tk.ClaimCode)

	ref := e.st.Referral("AMIGO")
	assert.Equal(t, 1, ref.ConfirmedBookings)
	assert.Equal(t, int64(200), ref.ConfirmedAmount)
	assert.Equal(t, []string{domain.EventBookingConfirmed}, eventTypes(e.st))
}

func TestSettle_ReplayIsNoOp(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(nil, nil)
	settlement := payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "APPROVED"}

	_, err := r.Settle(context.Background(), settlement)
	require.NoError(t, err)
	tk, _ := e.st.Ticket(e.booking.ID)
	_, err = e.issuer.Claim(context.Background(), tk.ClaimCode, "guide-1")
	require.NoError(t, err)
	depBefore, _ := e.st.Departure(e.dep.ID)

	out, err := r.Settle(context.Background(), settlement)
	require.NoError(t, err)
	assert.True(t, out.AlreadyFinalized)
	assert.Equal(t, domain.BookingConfirmed, out.Status)

	depAfter, _ := e.st.Departure(e.dep.ID)
	assert.Equal(t, depBefore, depAfter)
	after, _ := e.st.Ticket(e.booking.ID)
	assert.Equal(t, tk.ClaimCode, after.ClaimCode)
	assert.True(t, after.IsClaimed)
	assert.Equal(t, 1, e.st.Referral("AMIGO").ConfirmedBookings)
	assert.Len(t, e.st.Outbox(), 1)
}

func TestSettle_TransactionMismatch(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(nil, nil)
	_, err := r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "APPROVED"})
	require.NoError(t, err)

	_, err = r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-2", Reference: "EXP-REF-1", Status: "APPROVED"})
	assert.True(t, errors.Is(err, domain.ErrTransactionMismatch))
}

func TestSettle_PendingStatus(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(nil, nil)
	_, err := r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "PENDING"})
	assert.True(t, errors.Is(err, domain.ErrPaymentPending))

	b, _ := e.st.Booking(e.booking.ID)
	assert.Equal(t, domain.BookingPending, b.Status)
	assert.Empty(t, b.TransactionID)
}

func TestSettle_UnknownStatus(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(nil, nil)
	_, err := r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "LOST"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestSettle_DeclineRetryable(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(booking.RetryPolicy{}, nil)

	out, err := r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "ERROR"})
	require.NoError(t, err)
	assert.True(t, out.Retryable)
	assert.Equal(t, domain.BookingPending, out.Status)

	b, _ := e.st.Booking(e.booking.ID)
	assert.Equal(t, 1, b.DeclineCount)
	_, ok := e.st.Ticket(e.booking.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{domain.EventBookingDeclined}, eventTypes(e.st))
}

func TestSettle_DeclineCancels(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(booking.CancelAfterPolicy{Attempts: 1}, nil)

	out, err := r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "VOIDED"})
	require.NoError(t, err)
	assert.False(t, out.Retryable)
	assert.Equal(t, domain.BookingCancelled, out.Status)

	dep, _ := e.st.Departure(e.dep.ID)
	assert.Equal(t, 4, dep.CapacityAvailable)
}

func TestSettle_ApprovedRetryAfterDecline(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(booking.RetryPolicy{}, nil)

	out, err := r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "DECLINED"})
	require.NoError(t, err)
	assert.True(t, out.Retryable)

	b, _ := e.st.Booking(e.booking.ID)
	assert.Empty(t, b.TransactionID)
	assert.Equal(t, "tx-1", b.LastDeclinedTx)

	out, err = r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-2", Reference: "EXP-REF-1", Status: "APPROVED"})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, out.Status)

	b, _ = e.st.Booking(e.booking.ID)
	assert.Equal(t, "tx-2", b.TransactionID)
	dep, _ := e.st.Departure(e.dep.ID)
	assert.Equal(t, 2, dep.CapacityAvailable)

	// A late copy of the old decline must not touch the confirmed booking.
	_, err = r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "DECLINED"})
	assert.True(t, errors.Is(err, domain.ErrTransactionMismatch))
	b, _ = e.st.Booking(e.booking.ID)
	assert.Equal(t, domain.BookingConfirmed, b.Status)
}

func TestSettle_RedeliveredDeclineIsNoOp(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(booking.CancelAfterPolicy{Attempts: 3}, nil)
	settlement := payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "DECLINED"}

	first, err := r.Settle(context.Background(), settlement)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	for i := 0; i < 2; i++ {
		out, err := r.Settle(context.Background(), settlement)
		require.NoError(t, err)
		assert.True(t, out.Replayed)
		assert.True(t, out.Retryable)
		assert.Equal(t, domain.BookingPending, out.Status)
	}

	b, _ := e.st.Booking(e.booking.ID)
	assert.Equal(t, domain.BookingPending, b.Status)
	assert.Equal(t, 1, b.DeclineCount)
	assert.Equal(t, []string{domain.EventBookingDeclined}, eventTypes(e.st))

	_, err = r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-2", Reference: "EXP-REF-1", Status: "DECLINED"})
	require.NoError(t, err)
	b, _ = e.st.Booking(e.booking.ID)
	assert.Equal(t, 2, b.DeclineCount)
}

func TestSettle_ApprovedAfterCancel(t *testing.T) {
	e := newEnv(t)
	b := e.booking
	b.Status = domain.BookingCancelled
	e.st.PutBooking(b)
	r := e.reconciler(nil, nil)

	out, err := r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "APPROVED"})
	assert.True(t, errors.Is(err, domain.ErrBookingNotPayable))
	require.NotNil(t, out)
	assert.Equal(t, domain.BookingCancelled, out.Status)

	stored, _ := e.st.Booking(e.booking.ID)
	assert.Equal(t, domain.BookingCancelled, stored.Status)
	assert.Equal(t, []string{domain.EventPaymentOrphaned}, eventTypes(e.st))
}

func TestSettle_TicketFailureKeepsConfirmation(t *testing.T) {
	e := newEnv(t)
	tickets := &failingTickets{}
	r := e.reconciler(nil, tickets)

	out, err := r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "EXP-REF-1", Status: "APPROVED"})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, out.Status)
	assert.Equal(t, 1, tickets.calls)

	b, _ := e.st.Booking(e.booking.ID)
	assert.Equal(t, domain.BookingConfirmed, b.Status)
}

func TestSettle_UnknownReference(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(nil, nil)
	_, err := r.Settle(context.Background(), payment.Settlement{TransactionID: "tx-1", Reference: "nope", Status: "APPROVED"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestPoll(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(nil, nil, payment.WithFetcher(fakeFetcher{
		tx: &payment.Transaction{ID: "tx-9", Reference: "EXP-REF-1", Status: "APPROVED", AmountInCents: 200},
	}))
	out, err := r.Poll(context.Background(), "tx-9")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, out.Status)

	down := e.reconciler(nil, nil, payment.WithFetcher(fakeFetcher{err: errors.New("timeout")}))
	_, err = down.Poll(context.Background(), "tx-9")
	assert.True(t, errors.Is(err, domain.ErrProviderUnavailable))
}
