// Package payments talks to the hosted-checkout payment provider: checkout
// links, transaction lookups and webhook verification.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/config"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/payment"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Client struct {
	cfg  config.PaymentConfig
	http *http.Client
	now  func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg config.PaymentConfig, opts ...Option) *Client {
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IntegritySignature signs the fields the checkout page must not let the buyer change.
func IntegritySignature(secret, reference string, amountInCents int64, currency string, expiresAt time.Time) string {
	msg := reference + strconv.FormatInt(amountInCents, 10) + currency
	if !expiresAt.IsZero() {
		msg += expiresAt.UTC().Format(time.RFC3339)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Checkout builds the hosted checkout link for a booking.
func (c *Client) Checkout(ctx context.Context, b domain.Booking) (string, error) {
	if c.cfg.PublicKey == "" || c.cfg.IntegritySecret == "" {
		return "", errors.Wrap(domain.ErrProviderUnavailable, "payment provider keys are not configured")
	}
	var expiresAt time.Time
	if c.cfg.CheckoutTTL > 0 {
		expiresAt = c.now().Add(c.cfg.CheckoutTTL)
	}

	q := url.Values{}
	q.Set("public-key", c.cfg.PublicKey)
	q.Set("currency", b.Currency)
	q.Set("amount-in-cents", strconv.FormatInt(b.Total, 10))
	q.Set("reference", b.Reference)
	q.Set("signature:integrity", IntegritySignature(c.cfg.IntegritySecret, b.Reference, b.Total, b.Currency, expiresAt))
	if c.cfg.ReturnURL != "" {
		q.Set("redirect-url", c.cfg.ReturnURL)
	}
	if !expiresAt.IsZero() {
		q.Set("expiration-time", expiresAt.UTC().Format(time.RFC3339))
	}
	if b.BuyerEmail != "" {
		q.Set("customer-data:email", b.BuyerEmail)
	}
	return c.cfg.CheckoutURL + "?" + q.Encode(), nil
}

type transactionDTO struct {
	ID            string `json:"id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	AmountInCents int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
}

func (t transactionDTO) toTransaction() *payment.Transaction {
	return &payment.Transaction{
		ID:            t.ID,
		Reference:     t.Reference,
		Status:        t.Status,
		AmountInCents: t.AmountInCents,
		Currency:      t.Currency,
	}
}

func (c *Client) GetTransaction(ctx context.Context, id string) (*payment.Transaction, error) {
	endpoint := strings.TrimRight(c.cfg.APIBaseURL, "/") + "/transactions/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.PrivateKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.PrivateKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "get transaction")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.NotFoundf("transaction %s not found at provider", id)
	case resp.StatusCode >= 300:
		return nil, errors.Newf("provider answered %d for transaction %s", resp.StatusCode, id)
	}

	var body struct {
		Data transactionDTO `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode transaction")
	}
	if body.Data.ID == "" {
		return nil, errors.Newf("provider returned an empty transaction for %s", id)
	}
	return body.Data.toTransaction(), nil
}
