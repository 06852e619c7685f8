package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/robertarktes/expedition-reservations/internal/adapters/payments"
	"github.com/robertarktes/expedition-reservations/internal/booking"
	"github.com/robertarktes/expedition-reservations/internal/discount"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/payment"
	"github.com/robertarktes/expedition-reservations/internal/ticket"
)

const maxBodyBytes = 1 << 20

type BookingService interface {
	Create(ctx context.Context, req booking.CreateRequest) (*booking.CreateResult, error)
	Get(ctx context.Context, id int64) (*domain.Booking, error)
	Cancel(ctx context.Context, id, buyerID int64) (*domain.Booking, error)
	Refund(ctx context.Context, id int64) (*domain.Booking, error)
	QuoteDiscount(ctx context.Context, req booking.DiscountCheck) (*discount.Quote, error)
}

type PaymentService interface {
	Settle(ctx context.Context, s payment.Settlement) (*payment.Outcome, error)
	Poll(ctx context.Context, transactionID string) (*payment.Outcome, error)
}

type TicketService interface {
	Lookup(ctx context.Context, code string) (*ticket.View, error)
	LookupPayload(ctx context.Context, payload string) (*ticket.View, error)
	Claim(ctx context.Context, code, attendant string) (*domain.Ticket, error)
	ForBuyer(ctx context.Context, bookingID, buyerID int64) (*domain.Ticket, error)
}

// WebhookParser verifies and decodes a provider event.
type WebhookParser interface {
	ParseEvent(body []byte) (*payment.Settlement, error)
}

// AuditReader serves a buyer's recorded lifecycle actions.
type AuditReader interface {
	History(ctx context.Context, buyerID int64, limit int64) ([]domain.AuditEntry, error)
}

// ReadinessCheck is one dependency probed by /v1/readyz.
type ReadinessCheck func(ctx context.Context) error

type Handlers struct {
	bookings BookingService
	payments PaymentService
	tickets  TicketService
	webhooks WebhookParser
	audit    AuditReader
	checks   map[string]ReadinessCheck
	logger   observability.Logger
}

func NewHandlers(bookings BookingService, payments PaymentService, tickets TicketService, webhooks WebhookParser, audit AuditReader, checks map[string]ReadinessCheck, logger observability.Logger) *Handlers {
	return &Handlers{
		bookings: bookings,
		payments: payments,
		tickets:  tickets,
		webhooks: webhooks,
		audit:    audit,
		checks:   checks,
		logger:   logger,
	}
}

type seatsJSON struct {
	Adults   int `json:"adults"`
	Children int `json:"children"`
}

func (s seatsJSON) request() domain.SeatRequest {
	return domain.SeatRequest{Adults: s.Adults, Children: s.Children}
}

type createBookingRequest struct {
	DepartureID  int64     `json:"departure_id,string,omitempty"`
	TripID       int64     `json:"trip_id,string,omitempty"`
	StartDate    string    `json:"start_date,omitempty"`
	EndDate      string    `json:"end_date,omitempty"`
	Email        string    `json:"email"`
	Seats        seatsJSON `json:"seats"`
	DiscountCode string    `json:"discount_code,omitempty"`
	ReferralCode string    `json:"referral_code,omitempty"`
}

type itemResponse struct {
	Type      domain.ItemType `json:"type"`
	Quantity  int             `json:"quantity"`
	UnitPrice int64           `json:"unit_price"`
	LineTotal int64           `json:"line_total"`
}

type bookingResponse struct {
	ID             int64                `json:"id,string"`
	DepartureID    int64                `json:"departure_id,string"`
	TripID         int64                `json:"trip_id,string"`
	Reference      string               `json:"reference"`
	Status         domain.BookingStatus `json:"status"`
	Items          []itemResponse       `json:"items"`
	Subtotal       int64                `json:"subtotal"`
	DiscountCode   string               `json:"discount_code,omitempty"`
	DiscountAmount int64                `json:"discount_amount"`
	Total          int64                `json:"total"`
	Currency       string               `json:"currency"`
	CheckoutURL    string               `json:"checkout_url,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	Warning        string               `json:"warning,omitempty"`
}

func toBookingResponse(b domain.Booking) bookingResponse {
	items := make([]itemResponse, 0, len(b.Items))
	for _, it := range b.Items {
		items = append(items, itemResponse{Type: it.Type, Quantity: it.Quantity, UnitPrice: it.UnitPrice, LineTotal: it.LineTotal})
	}
	return bookingResponse{
		ID:             b.ID,
		DepartureID:    b.DepartureID,
		TripID:         b.TripID,
		Reference:      b.Reference,
		Status:         b.Status,
		Items:          items,
		Subtotal:       b.Subtotal,
		DiscountCode:   b.DiscountCode,
		DiscountAmount: b.DiscountAmount,
		Total:          b.Total,
		Currency:       b.Currency,
		CheckoutURL:    b.CheckoutURL,
		CreatedAt:      b.CreatedAt,
	}
}

func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	buyerID, ok := buyerFrom(r)
	if !ok {
		writeMessage(w, http.StatusForbidden, "token subject is not a buyer id")
		return
	}

	var req createBookingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, logger, err)
		return
	}
	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	end, err := parseDate("end_date", req.EndDate)
	if err != nil {
		writeError(w, logger, err)
		return
	}

	res, err := h.bookings.Create(r.Context(), booking.CreateRequest{
		DepartureID:  req.DepartureID,
		TripID:       req.TripID,
		StartDate:    start,
		EndDate:      end,
		BuyerID:      buyerID,
		BuyerEmail:   req.Email,
		Seats:        req.Seats.request(),
		DiscountCode: req.DiscountCode,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		writeError(w, logger, err)
		return
	}

	resp := toBookingResponse(res.Booking)
	resp.Warning = res.Warning
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, logger, err)
		return
	}
	b, err := h.bookings.Get(r.Context(), id)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	if !canSee(r, b.BuyerID) {
		writeMessage(w, http.StatusNotFound, "booking not found")
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(*b))
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	buyerID, ok := buyerFrom(r)
	if !ok {
		writeMessage(w, http.StatusForbidden, "token subject is not a buyer id")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, logger, err)
		return
	}
	b, err := h.bookings.Cancel(r.Context(), id, buyerID)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(*b))
}

func (h *Handlers) RefundBooking(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, logger, err)
		return
	}
	b, err := h.bookings.Refund(r.Context(), id)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(*b))
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// BuyerHistory lists a buyer's audit trail, newest first.
func (h *Handlers) BuyerHistory(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	if h.audit == nil {
		writeMessage(w, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	buyerID, err := pathID(r, "id")
	if err != nil {
		writeError(w, logger, err)
		return
	}
	limit := int64(defaultHistoryLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || limit <= 0 || limit > maxHistoryLimit {
			writeMessage(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
	}
	entries, err := h.audit.History(r.Context(), buyerID, limit)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type ticketResponse struct {
	BookingID int64      `json:"booking_id,string"`
	ClaimCode string     `json:"claim_code"`
	Payload   string     `json:"payload"`
	QRCode    []byte     `json:"qr_png"`
	IsClaimed bool       `json:"is_claimed"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
}

func (h *Handlers) GetBookingTicket(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	buyerID, ok := buyerFrom(r)
	if !ok {
		writeMessage(w, http.StatusForbidden, "token subject is not a buyer id")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, logger, err)
		return
	}
	t, err := h.tickets.ForBuyer(r.Context(), id, buyerID)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{
		BookingID: t.BookingID,
		ClaimCode: t.ClaimCode,
		Payload:   t.Payload,
		QRCode:    t.QRCode,
		IsClaimed: t.IsClaimed,
		ClaimedAt: t.ClaimedAt,
		IssuedAt:  t.IssuedAt,
	})
}

type validateDiscountRequest struct {
	DepartureID int64     `json:"departure_id,string"`
	Code        string    `json:"code"`
	Seats       seatsJSON `json:"seats"`
}

type quoteResponse struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Total    int64  `json:"total"`
}

func (h *Handlers) ValidateDiscount(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	buyerID, ok := buyerFrom(r)
	if !ok {
		writeMessage(w, http.StatusForbidden, "token subject is not a buyer id")
		return
	}
	var req validateDiscountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, logger, err)
		return
	}
	q, err := h.bookings.QuoteDiscount(r.Context(), booking.DiscountCheck{
		DepartureID: req.DepartureID,
		BuyerID:     buyerID,
		Seats:       req.Seats.request(),
		Code:        req.Code,
	})
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{Code: q.Code.Code, Subtotal: q.Subtotal, Discount: q.Amount, Total: q.Total})
}

type outcomeResponse struct {
	BookingID        int64                `json:"booking_id,string"`
	Status           domain.BookingStatus `json:"status"`
	AlreadyFinalized bool                 `json:"already_finalized"`
	Retryable        bool                 `json:"retryable"`
	Pending          bool                 `json:"pending,omitempty"`
	Replayed         bool                 `json:"replayed,omitempty"`
	Orphaned         bool                 `json:"orphaned,omitempty"`
	Mismatch         bool                 `json:"mismatch,omitempty"`
}

func toOutcomeResponse(o *payment.Outcome) outcomeResponse {
	return outcomeResponse{
		BookingID:        o.BookingID,
		Status:           o.Status,
		AlreadyFinalized: o.AlreadyFinalized,
		Retryable:        o.Retryable,
		Replayed:         o.Replayed,
	}
}

// PaymentWebhook acknowledges every event the provider should stop resending,
// including pending, orphaned and mismatched payments, with 200.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unreadable body")
		return
	}
	s, err := h.webhooks.ParseEvent(body)
	if errors.Is(err, payments.ErrIgnoredEvent) {
		writeJSON(w, http.StatusOK, map[string]bool{"ignored": true})
		return
	}
	if err != nil {
		writeError(w, logger, err)
		return
	}

	out, err := h.payments.Settle(r.Context(), *s)
	switch {
	case errors.Is(err, domain.ErrPaymentPending):
		writeJSON(w, http.StatusOK, outcomeResponse{Pending: true})
	case errors.Is(err, domain.ErrBookingNotPayable) && out != nil:
		resp := toOutcomeResponse(out)
		resp.Orphaned = true
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, domain.ErrTransactionMismatch):
		logger.WithError(err).WithFields(map[string]interface{}{
			"transaction_id": s.TransactionID,
			"reference":      s.Reference,
		}).Warn("webhook transaction does not match booking")
		writeJSON(w, http.StatusOK, outcomeResponse{Mismatch: true})
	case err != nil:
		writeError(w, logger, err)
	default:
		writeJSON(w, http.StatusOK, toOutcomeResponse(out))
	}
}

// SyncTransaction pulls a transaction from the provider, for buyers returning
// from checkout before the webhook arrives.
func (h *Handlers) SyncTransaction(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	txID := chi.URLParam(r, "id")
	if txID == "" {
		writeMessage(w, http.StatusBadRequest, "transaction id is required")
		return
	}
	out, err := h.payments.Poll(r.Context(), txID)
	switch {
	case errors.Is(err, domain.ErrPaymentPending):
		writeJSON(w, http.StatusAccepted, outcomeResponse{Pending: true})
	case err != nil:
		writeError(w, logger, err)
	default:
		writeJSON(w, http.StatusOK, toOutcomeResponse(out))
	}
}

type ticketViewResponse struct {
	BookingID    int64                  `json:"booking_id,string"`
	ClaimCode    string                 `json:"claim_code"`
	IsClaimed    bool                   `json:"is_claimed"`
	ClaimedAt    *time.Time             `json:"claimed_at,omitempty"`
	ClaimedBy    string                 `json:"claimed_by,omitempty"`
	Status       domain.BookingStatus   `json:"booking_status"`
	NotConfirmed bool                   `json:"not_confirmed"`
	Seats        int                    `json:"seats"`
	DepartureID  int64                  `json:"departure_id,string"`
	StartDate    time.Time              `json:"start_date"`
	EndDate      time.Time              `json:"end_date"`
	Departure    domain.DepartureStatus `json:"departure_status"`
}

// lookupTicket accepts either a claim code or a scanned signed payload.
func (h *Handlers) lookupTicket(ctx context.Context, code string) (*ticket.View, error) {
	if strings.Count(code, ".") == 2 {
		return h.tickets.LookupPayload(ctx, code)
	}
	return h.tickets.Lookup(ctx, code)
}

func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	v, err := h.lookupTicket(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketViewResponse{
		BookingID:    v.Ticket.BookingID,
		ClaimCode:    v.Ticket.ClaimCode,
		IsClaimed:    v.Ticket.IsClaimed,
		ClaimedAt:    v.Ticket.ClaimedAt,
		ClaimedBy:    v.Ticket.ClaimedBy,
		Status:       v.Booking.Status,
		NotConfirmed: v.NotConfirmed,
		Seats:        v.Booking.Seats(),
		DepartureID:  v.Departure.ID,
		StartDate:    v.Departure.StartDate,
		EndDate:      v.Departure.EndDate,
		Departure:    v.Departure.Status,
	})
}

func (h *Handlers) ClaimTicket(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context(), h.logger)
	p, _ := PrincipalFrom(r.Context())
	v, err := h.lookupTicket(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, logger, err)
		return
	}
	t, err := h.tickets.Claim(r.Context(), v.Ticket.ClaimCode, p.Subject)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketViewResponse{
		BookingID:   t.BookingID,
		ClaimCode:   t.ClaimCode,
		IsClaimed:   t.IsClaimed,
		ClaimedAt:   t.ClaimedAt,
		ClaimedBy:   t.ClaimedBy,
		Status:      v.Booking.Status,
		Seats:       v.Booking.Seats(),
		DepartureID: v.Departure.ID,
		StartDate:   v.Departure.StartDate,
		EndDate:     v.Departure.EndDate,
		Departure:   v.Departure.Status,
	})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, failed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalidf("malformed request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Invalidf("invalid %s %q", name, raw)
	}
	return id, nil
}

func parseDate(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, domain.Invalidf("%s must be YYYY-MM-DD", field)
	}
	return t, nil
}

func buyerFrom(r *http.Request) (int64, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		return 0, false
	}
	return p.BuyerID()
}

// canSee lets staff read any booking and buyers only their own.
func canSee(r *http.Request, owner int64) bool {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		return false
	}
	if p.Role == RoleAdmin || p.Role == RoleAttendant {
		return true
	}
	id, ok := p.BuyerID()
	return ok && id == owner
}
