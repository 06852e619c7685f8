// Package memory is an in-process store. Each unit of work holds the store lock
// and works on a private copy that replaces the shared state on commit, which
// makes every unit of work serializable.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/store"
)

type Referral struct {
	Code              string
	ConfirmedBookings int
	ConfirmedAmount   int64
}

type state struct {
	nextID     int64
	departures map[int64]domain.Departure
	bookings   map[int64]domain.Booking
	discounts  map[int64]domain.DiscountCode
	usages     []domain.DiscountUsage
	tickets    map[int64]domain.Ticket
	referrals  map[string]Referral
	credited   map[int64]bool
	outbox     []domain.OutboxRecord
}

func newState() *state {
	return &state{
		departures: map[int64]domain.Departure{},
		bookings:   map[int64]domain.Booking{},
		discounts:  map[int64]domain.DiscountCode{},
		tickets:    map[int64]domain.Ticket{},
		referrals:  map[string]Referral{},
		credited:   map[int64]bool{},
	}
}

func (s *state) clone() *state {
	c := &state{
		nextID:     s.nextID,
		departures: make(map[int64]domain.Departure, len(s.departures)),
		bookings:   make(map[int64]domain.Booking, len(s.bookings)),
		discounts:  make(map[int64]domain.DiscountCode, len(s.discounts)),
		usages:     append([]domain.DiscountUsage(nil), s.usages...),
		tickets:    make(map[int64]domain.Ticket, len(s.tickets)),
		referrals:  make(map[string]Referral, len(s.referrals)),
		credited:   make(map[int64]bool, len(s.credited)),
		outbox:     append([]domain.OutboxRecord(nil), s.outbox...),
	}
	for k, v := range s.departures {
		c.departures[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.discounts {
		c.discounts[k] = v
	}
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	for k, v := range s.referrals {
		c.referrals[k] = v
	}
	for k, v := range s.credited {
		c.credited[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

type Store struct {
	mu    sync.Mutex
	state *state
	// FailCommit, when set, is returned by the next Commit instead of committing.
	FailCommit error
}

func NewStore() *Store {
	return &Store{state: newState()}
}

func (s *Store) Begin(ctx context.Context) (store.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &unitOfWork{store: s, st: s.state.clone()}, nil
}

type unitOfWork struct {
	store *Store
	st    *state
	done  bool
}

func (u *unitOfWork) Departures() store.Departures { return departures{u.st} }
func (u *unitOfWork) Bookings() store.Bookings     { return bookings{u.st} }
func (u *unitOfWork) Discounts() store.Discounts   { return discounts{u.st} }
func (u *unitOfWork) Tickets() store.Tickets       { return tickets{u.st} }
func (u *unitOfWork) Referrals() store.Referrals   { return referrals{u.st} }
func (u *unitOfWork) Outbox() store.Outbox         { return outbox{u.st} }

func (u *unitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return errors.New("unit of work already closed")
	}
	u.done = true
	defer u.store.mu.Unlock()
	if err := u.store.FailCommit; err != nil {
		u.store.FailCommit = nil
		return err
	}
	u.store.state = u.st
	return nil
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	u.store.mu.Unlock()
	return nil
}

type departures struct{ st *state }

func (r departures) Get(ctx context.Context, id int64) (*domain.Departure, error) {
	d, ok := r.st.departures[id]
	if !ok {
		return nil, domain.NotFoundf("departure %d not found", id)
	}
	return &d, nil
}

func (r departures) GetForUpdate(ctx context.Context, id int64) (*domain.Departure, error) {
	return r.Get(ctx, id)
}

func (r departures) FindByWindow(ctx context.Context, tripID int64, start, end time.Time) (*domain.Departure, error) {
	for _, d := range r.st.departures {
		if d.TripID == tripID && d.StartDate.Equal(start) && d.EndDate.Equal(end) {
			return &d, nil
		}
	}
	return nil, domain.NotFoundf("no departure for trip %d in window", tripID)
}

func (r departures) Create(ctx context.Context, d *domain.Departure) error {
	if _, err := r.FindByWindow(ctx, d.TripID, d.StartDate, d.EndDate); err == nil {
		return errors.Wrap(domain.ErrConflict, "departure window exists")
	}
	d.ID = r.st.id()
	r.st.departures[d.ID] = *d
	return nil
}

func (r departures) Reserve(ctx context.Context, id int64, seats int) (int, error) {
	d, ok := r.st.departures[id]
	if !ok {
		return 0, domain.NotFoundf("departure %d not found", id)
	}
	if !d.Bookable() || d.CapacityAvailable < seats {
		return d.CapacityAvailable, domain.ErrCapacityExhausted
	}
	d.CapacityAvailable -= seats
	r.st.departures[id] = d
	return d.CapacityAvailable, nil
}

func (r departures) UpdateCapacity(ctx context.Context, id int64, available int, status domain.DepartureStatus) error {
	d, ok := r.st.departures[id]
	if !ok {
		return domain.NotFoundf("departure %d not found", id)
	}
	d.CapacityAvailable = available
	d.Status = status
	r.st.departures[id] = d
	return nil
}

func (r departures) UpdateStatus(ctx context.Context, id int64, status domain.DepartureStatus) error {
	d, ok := r.st.departures[id]
	if !ok {
		return domain.NotFoundf("departure %d not found", id)
	}
	d.Status = status
	r.st.departures[id] = d
	return nil
}

func (r departures) ListActive(ctx context.Context, afterID int64, limit int) ([]domain.Departure, error) {
	var out []domain.Departure
	for _, d := range r.st.departures {
		if d.ID > afterID && d.Status != domain.DepartureCancelled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type bookings struct{ st *state }

func (r bookings) Create(ctx context.Context, b *domain.Booking) error {
	for _, other := range r.st.bookings {
		if other.Reference == b.Reference {
			return errors.Wrap(domain.ErrConflict, "duplicate booking reference")
		}
	}
	b.ID = r.st.id()
	b.Items = append([]domain.BookingItem(nil), b.Items...)
	r.st.bookings[b.ID] = *b
	return nil
}

func (r bookings) Get(ctx context.Context, id int64) (*domain.Booking, error) {
	b, ok := r.st.bookings[id]
	if !ok {
		return nil, domain.NotFoundf("booking %d not found", id)
	}
	return &b, nil
}

func (r bookings) GetByReference(ctx context.Context, reference string) (*domain.Booking, error) {
	for _, b := range r.st.bookings {
		if b.Reference == reference {
			return &b, nil
		}
	}
	return nil, domain.NotFoundf("booking with reference %q not found", reference)
}

func (r bookings) UpdateStatus(ctx context.Context, id int64, from, to domain.BookingStatus, at time.Time) error {
	b, ok := r.st.bookings[id]
	if !ok {
		return domain.NotFoundf("booking %d not found", id)
	}
	if b.Status != from {
		return errors.Wrapf(domain.ErrConflict, "booking %d is %s", id, b.Status)
	}
	b.Status = to
	b.UpdatedAt = at
	r.st.bookings[id] = b
	return nil
}

func (r bookings) AttachTransaction(ctx context.Context, id int64, txID string) error {
	b, ok := r.st.bookings[id]
	if !ok {
		return domain.NotFoundf("booking %d not found", id)
	}
	if b.TransactionID != "" && b.TransactionID != txID {
		return domain.ErrTransactionMismatch
	}
	for _, other := range r.st.bookings {
		if other.ID != id && other.TransactionID == txID {
			return domain.ErrTransactionMismatch
		}
	}
	b.TransactionID = txID
	r.st.bookings[id] = b
	return nil
}

func (r bookings) AttachCheckout(ctx context.Context, id int64, checkoutURL string) error {
	b, ok := r.st.bookings[id]
	if !ok {
		return domain.NotFoundf("booking %d not found", id)
	}
	b.CheckoutURL = checkoutURL
	r.st.bookings[id] = b
	return nil
}

func (r bookings) RecordDecline(ctx context.Context, id int64, txID string) (int, error) {
	b, ok := r.st.bookings[id]
	if !ok {
		return 0, domain.NotFoundf("booking %d not found", id)
	}
	b.DeclineCount++
	b.LastDeclinedTx = txID
	r.st.bookings[id] = b
	return b.DeclineCount, nil
}

func (r bookings) ConfirmedSeats(ctx context.Context, departureID int64) (int, error) {
	n := 0
	for _, b := range r.st.bookings {
		if b.DepartureID == departureID && b.Status == domain.BookingConfirmed {
			n += b.Seats()
		}
	}
	return n, nil
}

func (r bookings) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Booking, error) {
	var out []domain.Booking
	for _, b := range r.st.bookings {
		if b.Status == domain.BookingPending && !b.CreatedAt.After(createdBefore) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r bookings) HasDiscountedForTrip(ctx context.Context, buyerID, tripID int64) (bool, error) {
	for _, b := range r.st.bookings {
		if b.BuyerID == buyerID && b.TripID == tripID && b.HasDiscount() &&
			(b.Status == domain.BookingPending || b.Status == domain.BookingConfirmed) {
			return true, nil
		}
	}
	return false, nil
}

type discounts struct{ st *state }

func (r discounts) Create(ctx context.Context, c *domain.DiscountCode) error {
	if _, err := r.GetByCode(ctx, c.Code); err == nil {
		return errors.Wrap(domain.ErrConflict, "duplicate discount code")
	}
	c.ID = r.st.id()
	r.st.discounts[c.ID] = *c
	return nil
}

func (r discounts) GetByCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	for _, c := range r.st.discounts {
		if strings.EqualFold(c.Code, code) {
			return &c, nil
		}
	}
	return nil, domain.NotFoundf("discount code %q not found", code)
}

func (r discounts) CountUsages(ctx context.Context, codeID, buyerID int64) (int, error) {
	n := 0
	for _, u := range r.st.usages {
		if u.CodeID == codeID && u.BuyerID == buyerID {
			n++
		}
	}
	return n, nil
}

func (r discounts) Redeem(ctx context.Context, usage domain.DiscountUsage) error {
	c, ok := r.st.discounts[usage.CodeID]
	if !ok {
		return domain.NotFoundf("discount code %d not found", usage.CodeID)
	}
	if c.Exhausted() {
		return domain.NewDiscountError(c.Code, domain.DiscountGlobalCap)
	}
	c.UsedCount++
	r.st.discounts[c.ID] = c
	r.st.usages = append(r.st.usages, usage)
	return nil
}

type tickets struct{ st *state }

func (r tickets) Upsert(ctx context.Context, t *domain.Ticket) error {
	if existing, ok := r.st.tickets[t.BookingID]; ok && existing.IsClaimed {
		return domain.ErrTicketAlreadyClaimed
	}
	for _, other := range r.st.tickets {
		if other.BookingID != t.BookingID && other.ClaimCode == t.ClaimCode {
			return errors.Wrap(domain.ErrConflict, "duplicate claim code")
		}
	}
	r.st.tickets[t.BookingID] = *t
	return nil
}

func (r tickets) GetByBooking(ctx context.Context, bookingID int64) (*domain.Ticket, error) {
	t, ok := r.st.tickets[bookingID]
	if !ok {
		return nil, domain.NotFoundf("no ticket for booking %d", bookingID)
	}
	return &t, nil
}

func (r tickets) GetByCode(ctx context.Context, code string) (*domain.Ticket, error) {
	for _, t := range r.st.tickets {
		if t.ClaimCode == code {
			return &t, nil
		}
	}
	return nil, domain.NotFoundf("ticket %q not found", code)
}

func (r tickets) Claim(ctx context.Context, code, attendant string, at time.Time) error {
	t, err := r.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if t.IsClaimed {
		return domain.ErrTicketAlreadyClaimed
	}
	t.IsClaimed = true
	t.ClaimedAt = &at
	t.ClaimedBy = attendant
	r.st.tickets[t.BookingID] = *t
	return nil
}

type referrals struct{ st *state }

func (r referrals) Credit(ctx context.Context, code string, bookingID, amount int64) error {
	if r.st.credited[bookingID] {
		return nil
	}
	r.st.credited[bookingID] = true
	ref := r.st.referrals[code]
	ref.Code = code
	ref.ConfirmedBookings++
	ref.ConfirmedAmount += amount
	r.st.referrals[code] = ref
	return nil
}

type outbox struct{ st *state }

func (r outbox) Append(ctx context.Context, rec domain.OutboxRecord) error {
	for _, existing := range r.st.outbox {
		if existing.DedupeKey == rec.DedupeKey {
			return nil
		}
	}
	r.st.outbox = append(r.st.outbox, rec)
	return nil
}

// FetchUnpublished and MarkPublished make the store an outbox source for the relay.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxRecord
	for _, rec := range s.state.outbox {
		if rec.PublishedAt == nil {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.outbox {
		if s.state.outbox[i].ID == id {
			s.state.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return domain.NotFoundf("outbox record %s not found", id)
}

// The accessors below read committed state; they exist for seeding and assertions.

func (s *Store) PutDeparture(d domain.Departure) domain.Departure {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == 0 {
		d.ID = s.state.id()
	}
	s.state.departures[d.ID] = d
	return d
}

func (s *Store) PutDiscount(c domain.DiscountCode) domain.DiscountCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.state.id()
	}
	s.state.discounts[c.ID] = c
	return c
}

func (s *Store) PutBooking(b domain.Booking) domain.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		b.ID = s.state.id()
	}
	s.state.bookings[b.ID] = b
	return b
}

func (s *Store) Departure(id int64) (domain.Departure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.state.departures[id]
	return d, ok
}

func (s *Store) Booking(id int64) (domain.Booking, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.bookings[id]
	return b, ok
}

func (s *Store) Bookings() []domain.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Booking, 0, len(s.state.bookings))
	for _, b := range s.state.bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Discount(id int64) (domain.DiscountCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.discounts[id]
	return c, ok
}

func (s *Store) Usages() []domain.DiscountUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DiscountUsage(nil), s.state.usages...)
}

func (s *Store) Ticket(bookingID int64) (domain.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.tickets[bookingID]
	return t, ok
}

func (s *Store) Referral(code string) Referral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.referrals[code]
}

func (s *Store) Outbox() []domain.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxRecord(nil), s.state.outbox...)
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.OutboxSource = (*Store)(nil)
)
