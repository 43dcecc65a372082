package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

type UnitRepository struct {
	coll *mongo.Collection
}

func NewUnitRepository(db *mongo.Database) *UnitRepository {
	return &UnitRepository{coll: db.Collection("unit")}
}

func (r *UnitRepository) Add(ctx context.Context, u *domain.Unit) error {
	u.Code = strings.ToLower(u.Code)
	_, err := r.coll.InsertOne(ctx, u)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

func (r *UnitRepository) Get(ctx context.Context, cond storage.UnitCond) (*domain.Unit, error) {
	var u domain.Unit
	err := r.coll.FindOne(ctx, unitFilter(cond)).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return &u, nil
}

func (r *UnitRepository) List(ctx context.Context, cond storage.UnitCond, opts storage.ListOptions) (storage.ListResult[domain.Unit], error) {
	findOpts := options.Find().SetSort(sortDoc(opts.Sort)).SetSkip(int64(opts.Offset))
	if lim, unlimited := resolveLimit(opts.Limit); !unlimited {
		findOpts = findOpts.SetLimit(lim)
	}
	cur, err := r.coll.Find(ctx, unitFilter(cond), findOpts)
	if err != nil {
		return storage.ListResult[domain.Unit]{}, fmt.Errorf("list units: %w", err)
	}
	defer cur.Close(ctx)
	var items []domain.Unit
	if err := cur.All(ctx, &items); err != nil {
		return storage.ListResult[domain.Unit]{}, fmt.Errorf("decode units: %w", err)
	}
	return storage.ListResult[domain.Unit]{Items: items}, nil
}

func (r *UnitRepository) Count(ctx context.Context, cond storage.UnitCond) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, unitFilter(cond))
	if err != nil {
		return 0, fmt.Errorf("count units: %w", err)
	}
	return n, nil
}

func (r *UnitRepository) Update(ctx context.Context, cond storage.UnitCond, fields storage.UnitUpdate) error {
	set := bson.M{"modifiedAt": domain.NowMS()}
	if fields.OwnerUserID != nil {
		set["ownerUserId"] = *fields.OwnerUserID
	}
	if fields.MemberUserIDs != nil {
		set["memberUserIds"] = *fields.MemberUserIDs
	}
	if fields.Name != nil {
		set["name"] = *fields.Name
	}
	if fields.Info != nil {
		set["info"] = fields.Info
	}
	res, err := r.coll.UpdateOne(ctx, unitFilter(cond), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *UnitRepository) Del(ctx context.Context, cond storage.UnitCond) error {
	_, err := r.coll.DeleteOne(ctx, unitFilter(cond))
	if err != nil {
		return fmt.Errorf("delete unit: %w", err)
	}
	return nil
}

func unitFilter(cond storage.UnitCond) bson.M {
	f := bson.M{}
	if cond.UnitID != "" {
		f["_id"] = cond.UnitID
	}
	if cond.Code != "" {
		f["code"] = strings.ToLower(cond.Code)
	}
	return f
}
