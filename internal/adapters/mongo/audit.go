package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	BuyerID   int64     `bson:"buyer_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action string, buyerID int64, data map[string]interface{}) error {
	log := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		BuyerID:   buyerID,
		Timestamp: time.Now(),
		Data:      bson.M(data),
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.WithError(err).WithField("action", action).Error("failed to insert audit log")
		return err
	}
	return nil
}

func (a *AuditLogger) LogBooking(ctx context.Context, action string, b domain.Booking) error {
	data := map[string]interface{}{
		"booking_id":      b.ID,
		"departure_id":    b.DepartureID,
		"status":          string(b.Status),
		"seats":           b.Seats(),
		"subtotal":        b.Subtotal,
		"discount_code":   b.DiscountCode,
		"discount_amount": b.DiscountAmount,
		"total":           b.Total,
		"currency":        b.Currency,
	}
	return a.LogEvent(ctx, action, b.BuyerID, data)
}

// History returns a buyer's audit trail, newest first.
func (a *AuditLogger) History(ctx context.Context, buyerID int64, limit int64) ([]domain.AuditEntry, error) {
	cur, err := a.coll.Find(ctx, bson.M{"buyer_id": buyerID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, errors.Wrapf(err, "find audit logs of buyer %d", buyerID)
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, errors.Wrap(err, "decode audit logs")
	}
	out := make([]domain.AuditEntry, 0, len(logs))
	for _, l := range logs {
		out = append(out, domain.AuditEntry{
			Action:    l.Action,
			BuyerID:   l.BuyerID,
			Timestamp: l.Timestamp,
			Data:      map[string]interface{}(l.Data),
		})
	}
	return out, nil
}
