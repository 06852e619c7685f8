package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CatalogRepository reads trips from the catalog collection maintained by the
// agency back office.
type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("trips"),
		logger: logger,
	}
}

type TripDoc struct {
	ID          int64     `bson:"_id"`
	AgencyID    int64     `bson:"agency_id"`
	Name        string    `bson:"name"`
	MaxCapacity int       `bson:"max_capacity"`
	AdultPrice  int64     `bson:"adult_price"`
	ChildPrice  int64     `bson:"child_price"`
	Currency    string    `bson:"currency"`
	Active      bool      `bson:"active"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (d TripDoc) toTrip() *domain.Trip {
	return &domain.Trip{
		ID:          d.ID,
		AgencyID:    d.AgencyID,
		Name:        d.Name,
		MaxCapacity: d.MaxCapacity,
		AdultPrice:  d.AdultPrice,
		ChildPrice:  d.ChildPrice,
		Currency:    d.Currency,
	}
}

func (c *CatalogRepository) GetTrip(ctx context.Context, id int64) (*domain.Trip, error) {
	var doc TripDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id, "active": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.NotFoundf("trip %d not found", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("trip_id", id).Error("failed to get trip")
		return nil, err
	}
	if doc.MaxCapacity < 1 {
		return nil, domain.Invalidf("trip %d has no capacity", id)
	}
	return doc.toTrip(), nil
}

func (c *CatalogRepository) UpsertTrip(ctx context.Context, doc TripDoc) error {
	now := time.Now()
	doc.UpdatedAt = now
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.WithError(err).WithField("trip_id", doc.ID).Error("failed to upsert trip")
		return err
	}
	return nil
}
