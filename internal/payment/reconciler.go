// Package payment turns provider confirmations into booking transitions. Webhooks
// and polling both go through Settle, which is safe to replay.
package payment

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/booking"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// Transaction is the provider's view of a payment.
type Transaction struct {
	ID            string
	Reference     string
	Status        string
	AmountInCents int64
	Currency      string
}

type TransactionFetcher interface {
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
}

type TicketIssuer interface {
	Issue(ctx context.Context, bookingID int64) (*domain.Ticket, error)
	EnsureIssued(ctx context.Context, bookingID int64) (*domain.Ticket, error)
}

type Settlement struct {
	TransactionID string
	Reference     string
	// Status is the provider's raw status string.
	Status string
}

type Outcome struct {
	BookingID int64
	Status    domain.BookingStatus
	// AlreadyFinalized means the booking had already left PENDING and nothing was written.
	AlreadyFinalized bool
	// Retryable means the payment failed but the booking stays open for another attempt.
	Retryable bool
	// Replayed means this decline was already applied and nothing was written.
	Replayed bool
}

type Reconciler struct {
	store   store.Store
	machine *booking.Machine
	tickets TicketIssuer
	fetcher TransactionFetcher
	logger  observability.Logger
	now     func() time.Time
}

type Option func(*Reconciler)

func WithFetcher(f TransactionFetcher) Option {
	return func(r *Reconciler) { r.fetcher = f }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(st store.Store, m *booking.Machine, tickets TicketIssuer, logger observability.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   st,
		machine: m,
		tickets: tickets,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Settle(ctx context.Context, s Settlement) (*Outcome, error) {
	ctx, span := observability.Tracer("payment").Start(ctx, "payment.Settle")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.transaction_id", s.TransactionID),
		attribute.String("payment.reference", s.Reference),
	)

	if s.TransactionID == "" || s.Reference == "" {
		return nil, domain.Invalidf("transaction id and reference are required")
	}
	status, err := domain.NormalizePaymentStatus(s.Status)
	if err != nil {
		return nil, err
	}
	if status == domain.PaymentPending {
		observability.SettlementsTotal.WithLabelValues(string(status), "pending").Inc()
		return nil, errors.Wrapf(domain.ErrPaymentPending, "transaction %s", s.TransactionID)
	}

	var (
		out      Outcome
		issue    bool
		ensure   bool
		orphaned bool
	)
	err = store.WithinTx(ctx, r.store, func(uow store.UnitOfWork) error {
		out, issue, ensure, orphaned = Outcome{}, false, false, false
		now := r.now()

		b, err := uow.Bookings().GetByReference(ctx, s.Reference)
		if err != nil {
			return err
		}
		out.BookingID = b.ID
		if b.TransactionID != "" && b.TransactionID != s.TransactionID {
			return errors.Wrapf(domain.ErrTransactionMismatch, "booking %d is bound to another transaction", b.ID)
		}

		switch b.Status {
		case domain.BookingConfirmed:
			out.AlreadyFinalized = true
			ensure = status == domain.PaymentApproved
		case domain.BookingCancelled, domain.BookingRefunded:
			out.AlreadyFinalized = true
			if status == domain.PaymentApproved {
				orphaned = true
				rec, err := domain.NewBookingRecord(domain.EventPaymentOrphaned, *b, now)
				if err != nil {
					return err
				}
				if err := uow.Outbox().Append(ctx, rec); err != nil {
					return errors.Wrap(err, "append payment.orphaned")
				}
			}
		case domain.BookingPending:
			switch {
			case status == domain.PaymentApproved:
				// Only an approved transaction is bound to the booking.
				if err := uow.Bookings().AttachTransaction(ctx, b.ID, s.TransactionID); err != nil {
					return errors.Wrapf(err, "bind transaction to booking %d", b.ID)
				}
				b.TransactionID = s.TransactionID
				if err := r.machine.Confirm(ctx, uow, b, now); err != nil {
					return err
				}
				if b.ReferralCode != "" {
					if err := uow.Referrals().Credit(ctx, b.ReferralCode, b.ID, b.Total); err != nil {
						return errors.Wrapf(err, "credit referral %q", b.ReferralCode)
					}
				}
				issue = true
			case b.LastDeclinedTx == s.TransactionID:
				out.Replayed = true
				out.Retryable = true
			default:
				next, err := r.machine.Decline(ctx, uow, b, s.TransactionID, now)
				if err != nil {
					return err
				}
				out.Retryable = next == domain.BookingPending
			}
		}
		out.Status = b.Status
		return nil
	})

	log := r.logger.WithFields(map[string]interface{}{
		"transaction_id": s.TransactionID,
		"reference":      s.Reference,
		"payment_status": status,
	})
	if err != nil {
		observability.SettlementsTotal.WithLabelValues(string(status), settleErrorLabel(err)).Inc()
		span.RecordError(err)
		return nil, err
	}
	log = log.WithField("booking_id", out.BookingID)

	if orphaned {
		observability.SettlementsTotal.WithLabelValues(string(status), "orphaned").Inc()
		log.WithField("booking_status", out.Status).Error("approved payment for a closed booking, refund required")
		return &out, errors.Wrapf(domain.ErrBookingNotPayable, "booking %d is %s", out.BookingID, out.Status)
	}
	observability.SettlementsTotal.WithLabelValues(string(status), outcomeLabel(out)).Inc()

	switch {
	case issue:
		if _, err := r.tickets.Issue(ctx, out.BookingID); err != nil {
			log.WithError(err).Error("ticket issue failed after confirmation")
		}
	case ensure:
		if _, err := r.tickets.EnsureIssued(ctx, out.BookingID); err != nil {
			log.WithError(err).Warn("ticket check failed on replayed confirmation")
		}
	}
	log.WithField("booking_status", out.Status).Info("payment settled")
	return &out, nil
}

// Poll fetches the transaction from the provider and settles it.
func (r *Reconciler) Poll(ctx context.Context, transactionID string) (*Outcome, error) {
	if r.fetcher == nil {
		return nil, errors.New("no transaction fetcher configured")
	}
	tx, err := r.fetcher.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Mark(errors.Wrapf(err, "fetch transaction %s", transactionID), domain.ErrProviderUnavailable)
	}
	return r.Settle(ctx, Settlement{TransactionID: tx.ID, Reference: tx.Reference, Status: tx.Status})
}

func outcomeLabel(o Outcome) string {
	switch {
	case o.AlreadyFinalized:
		return "finalized"
	case o.Replayed:
		return "replayed"
	case o.Status == domain.BookingConfirmed:
		return "confirmed"
	case o.Retryable:
		return "declined"
	}
	return "cancelled"
}

func settleErrorLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrTransactionMismatch):
		return "mismatch"
	case errors.Is(err, domain.ErrNotFound):
		return "unknown_reference"
	}
	return "error"
}
