package policies

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/m3rciful/policybot/core/bootstrap"
	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/telegram/helpers"
)

// Collection is the Mongo collection holding policies.
const Collection = "policies"

// Repository is what the bot flows need from the policy store.
type Repository interface {
	Create(ctx context.Context, p *Policy) error
	FindByNumber(ctx context.Context, number string) (*Policy, error)
	Search(ctx context.Context, query string, limit int) ([]Policy, error)
	UpdateField(ctx context.Context, number string, field Field, value string) error
	AddPayment(ctx context.Context, number string, pay Payment) error
	AddService(ctx context.Context, number string, svc Service) error
	SoftDelete(ctx context.Context, numbers []string, batch string) (int, error)
	Restore(ctx context.Context, batch string) (int, error)
	Stats(ctx context.Context) (Stats, error)
	All(ctx context.Context) ([]Policy, error)
}

// Store is the MongoDB Repository.
type Store struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewStore binds a store to the policies collection of db.
func NewStore(db *mongo.Database) *Store {
	return &Store{coll: db.Collection(Collection), now: time.Now}
}

// EnsureIndexes returns a bootstrap initializer creating the collection indexes.
func EnsureIndexes() bootstrap.Initializer {
	return bootstrap.InitializerFunc(func(ctx context.Context, res *bootstrap.Result) error {
		_, err := res.Mongo.Collection(Collection).Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "number", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "deleted", Value: 1}, {Key: "holder", Value: 1}}},
			{Keys: bson.D{{Key: "delete_batch", Value: 1}}, Options: options.Index().SetSparse(true)},
		})
		if err != nil {
			return fmt.Errorf("policies: create indexes: %w", err)
		}
		logger.Debug(ctx, "mongo", "indexes.ensure", slog.String("collection", Collection))
		return nil
	})
}

func liveByNumber(number string) bson.M {
	return bson.M{"number": NormalizeNumber(number), "deleted": bson.M{"$ne": true}}
}

// Create inserts p with a normalised number.
func (s *Store) Create(ctx context.Context, p *Policy) error {
	now := s.now()
	p.Number = NormalizeNumber(p.Number)
	if p.Number == "" {
		return fmt.Errorf("%w: empty number", ErrInvalidValue)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Payments == nil {
		p.Payments = []Payment{}
	}
	if p.Services == nil {
		p.Services = []Service{}
	}
	if _, err := s.coll.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, p.Number)
		}
		return fmt.Errorf("policies: insert %s: %w", p.Number, err)
	}
	return nil
}

// FindByNumber returns the live policy with number.
func (s *Store) FindByNumber(ctx context.Context, number string) (*Policy, error) {
	var p Policy
	err := s.coll.FindOne(ctx, liveByNumber(number)).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("policies: find %s: %w", number, err)
	}
	return &p, nil
}

// SearchFilter matches live policies whose number or holder contains query.
func SearchFilter(query string) bson.M {
	pattern := regexp.QuoteMeta(strings.TrimSpace(query))
	return bson.M{
		"deleted": bson.M{"$ne": true},
		"$or": bson.A{
			bson.M{"number": bson.M{"$regex": regexp.QuoteMeta(NormalizeNumber(query))}},
			bson.M{"holder": bson.M{"$regex": pattern, "$options": "i"}},
		},
	}
}

// Search returns up to limit live policies matching query, ordered by number.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Policy, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "number", Value: 1}}).SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, SearchFilter(query), opts)
	if err != nil {
		return nil, fmt.Errorf("policies: search: %w", err)
	}
	var out []Policy
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("policies: decode search: %w", err)
	}
	return out, nil
}

// FieldUpdate converts a raw edit into the $set document for field.
func FieldUpdate(field Field, value string) (bson.M, error) {
	value = strings.TrimSpace(value)
	if _, err := ParseField(string(field)); err != nil {
		return nil, err
	}
	switch field {
	case FieldStartDate:
		t, ok := helpers.ParseDate(value, nil)
		if !ok {
			return nil, fmt.Errorf("%w: date %q", ErrInvalidValue, value)
		}
		return bson.M{string(field): t}, nil
	case FieldPhone:
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' || r == '+' {
				return r
			}
			return -1
		}, value)
		if len(digits) < 7 {
			return nil, fmt.Errorf("%w: phone %q", ErrInvalidValue, value)
		}
		return bson.M{string(field): digits}, nil
	}
	if value == "" {
		return nil, fmt.Errorf("%w: empty %s", ErrInvalidValue, field)
	}
	return bson.M{string(field): value}, nil
}

// UpdateField sets one whitelisted field of a live policy.
func (s *Store) UpdateField(ctx context.Context, number string, field Field, value string) error {
	set, err := FieldUpdate(field, value)
	if err != nil {
		return err
	}
	set["updated_at"] = s.now()
	return s.updateOne(ctx, number, bson.M{"$set": set})
}

// AddPayment appends a payment.
func (s *Store) AddPayment(ctx context.Context, number string, pay Payment) error {
	if pay.Amount <= 0 {
		return fmt.Errorf("%w: amount %.2f", ErrInvalidValue, pay.Amount)
	}
	now := s.now()
	if pay.RecordedAt.IsZero() {
		pay.RecordedAt = now
	}
	return s.updateOne(ctx, number, bson.M{
		"$push": bson.M{"payments": pay},
		"$set":  bson.M{"updated_at": now},
	})
}

// AddService appends a service record.
func (s *Store) AddService(ctx context.Context, number string, svc Service) error {
	if strings.TrimSpace(svc.Description) == "" {
		return fmt.Errorf("%w: empty service", ErrInvalidValue)
	}
	now := s.now()
	if svc.RecordedAt.IsZero() {
		svc.RecordedAt = now
	}
	return s.updateOne(ctx, number, bson.M{
		"$push": bson.M{"services": svc},
		"$set":  bson.M{"updated_at": now},
	})
}

func (s *Store) updateOne(ctx context.Context, number string, update bson.M) error {
	res, err := s.coll.UpdateOne(ctx, liveByNumber(number), update)
	if err != nil {
		return fmt.Errorf("policies: update %s: %w", number, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the live policies in numbers as deleted under batch, so
// Restore can bring the whole batch back.
func (s *Store) SoftDelete(ctx context.Context, numbers []string, batch string) (int, error) {
	norm := make([]string, 0, len(numbers))
	for _, n := range numbers {
		if n = NormalizeNumber(n); n != "" {
			norm = append(norm, n)
		}
	}
	if len(norm) == 0 {
		return 0, nil
	}
	now := s.now()
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"number": bson.M{"$in": norm}, "deleted": bson.M{"$ne": true}},
		bson.M{"$set": bson.M{"deleted": true, "deleted_at": now, "delete_batch": batch, "updated_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("policies: soft delete: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// Restore undoes a SoftDelete batch.
func (s *Store) Restore(ctx context.Context, batch string) (int, error) {
	batch = strings.TrimSpace(batch)
	if batch == "" {
		return 0, fmt.Errorf("%w: empty batch", ErrInvalidValue)
	}
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"delete_batch": batch, "deleted": true},
		bson.M{
			"$set":   bson.M{"deleted": false, "updated_at": s.now()},
			"$unset": bson.M{"deleted_at": "", "delete_batch": ""},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("policies: restore %s: %w", batch, err)
	}
	return int(res.ModifiedCount), nil
}

// All returns every live policy ordered by number.
func (s *Store) All(ctx context.Context) ([]Policy, error) {
	cur, err := s.coll.Find(ctx, bson.M{"deleted": bson.M{"$ne": true}},
		options.Find().SetSort(bson.D{{Key: "number", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("policies: list: %w", err)
	}
	var out []Policy
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("policies: decode list: %w", err)
	}
	return out, nil
}

// Stats counts policies, payments and services.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	deleted, err := s.coll.CountDocuments(ctx, bson.M{"deleted": true})
	if err != nil {
		return Stats{}, fmt.Errorf("policies: count deleted: %w", err)
	}
	live, err := s.All(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Summarize(live, s.now())
	st.Deleted = int(deleted)
	return st, nil
}

// Summarize computes Stats over live policies.
func Summarize(live []Policy, now time.Time) Stats {
	st := Stats{Active: len(live), ByInsurer: make(map[string]int)}
	monthAgo := now.AddDate(0, 0, -30)
	for i := range live {
		p := &live[i]
		st.Payments += len(p.Payments)
		st.Services += len(p.Services)
		st.TotalPaid += p.TotalPaid()
		insurer := p.Insurer
		if insurer == "" {
			insurer = "-"
		}
		st.ByInsurer[insurer]++
		if p.CreatedAt.After(monthAgo) {
			st.CreatedLast30++
		}
	}
	return st
}
