package payments

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/payment"
)

const EventTransactionUpdated = "transaction.updated"

type webhookEvent struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Signature struct {
		Properties []string `json:"properties"`
		Checksum   string   `json:"checksum"`
	} `json:"signature"`
}

// ErrIgnoredEvent marks well-formed events the reconciler has no use for.
var ErrIgnoredEvent = errors.New("event ignored")

// ErrStaleEvent marks a correctly signed event outside the accepted time window.
var ErrStaleEvent = errors.Mark(errors.New("webhook event is stale"), domain.ErrInvalidInput)

// ParseEvent verifies a webhook body and returns the settlement it carries.
// The checksum covers the listed data properties in order, then the timestamp.
func (c *Client) ParseEvent(body []byte) (*payment.Settlement, error) {
	if c.cfg.EventsSecret == "" {
		return nil, errors.New("webhook secret is not configured")
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, domain.Invalidf("malformed webhook body: %v", err)
	}

	var data map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(ev.Data))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, domain.Invalidf("malformed webhook data: %v", err)
	}

	var msg strings.Builder
	for _, prop := range ev.Signature.Properties {
		v, ok := lookup(data, prop)
		if !ok {
			return nil, domain.Invalidf("signed property %q missing from event", prop)
		}
		msg.WriteString(v)
	}
	msg.WriteString(strconv.FormatInt(ev.Timestamp, 10))
	if !hmac.Equal([]byte(EventChecksum(c.cfg.EventsSecret, msg.String())), []byte(strings.ToLower(ev.Signature.Checksum))) {
		return nil, domain.Invalidf("webhook checksum mismatch")
	}
	if maxAge := c.cfg.WebhookMaxAge; maxAge > 0 {
		sent := time.Unix(ev.Timestamp, 0)
		if age := c.now().Sub(sent); age > maxAge || age < -maxAge {
			return nil, errors.Wrapf(ErrStaleEvent, "sent at %s", sent.UTC().Format(time.RFC3339))
		}
	}

	if ev.Event != EventTransactionUpdated {
		return nil, errors.Wrapf(ErrIgnoredEvent, "event %q", ev.Event)
	}
	var payload struct {
		Transaction transactionDTO `json:"transaction"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return nil, domain.Invalidf("malformed transaction: %v", err)
	}
	tx := payload.Transaction
	return &payment.Settlement{TransactionID: tx.ID, Reference: tx.Reference, Status: tx.Status}, nil
}

func EventChecksum(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// lookup resolves a dotted path like "transaction.amount_in_cents".
func lookup(data map[string]interface{}, path string) (string, bool) {
	var cur interface{} = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		if cur, ok = m[key]; !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "", true
	}
	return "", false
}
