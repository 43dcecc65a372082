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

type ApplicationRepository struct {
	coll *mongo.Collection
}

func NewApplicationRepository(db *mongo.Database) *ApplicationRepository {
	return &ApplicationRepository{coll: db.Collection("application")}
}

func (r *ApplicationRepository) Add(ctx context.Context, a *domain.Application) error {
	a.Code = strings.ToLower(a.Code)
	a.UnitCode = strings.ToLower(a.UnitCode)
	_, err := r.coll.InsertOne(ctx, a)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (r *ApplicationRepository) Get(ctx context.Context, cond storage.ApplicationCond) (*domain.Application, error) {
	var a domain.Application
	err := r.coll.FindOne(ctx, applicationFilter(cond)).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	return &a, nil
}

func (r *ApplicationRepository) List(ctx context.Context, cond storage.ApplicationCond, opts storage.ListOptions) (storage.ListResult[domain.Application], error) {
	findOpts := options.Find().SetSort(sortDoc(opts.Sort)).SetSkip(int64(opts.Offset))
	if lim, unlimited := resolveLimit(opts.Limit); !unlimited {
		findOpts = findOpts.SetLimit(lim)
	}
	cur, err := r.coll.Find(ctx, applicationFilter(cond), findOpts)
	if err != nil {
		return storage.ListResult[domain.Application]{}, fmt.Errorf("list applications: %w", err)
	}
	defer cur.Close(ctx)
	var items []domain.Application
	if err := cur.All(ctx, &items); err != nil {
		return storage.ListResult[domain.Application]{}, fmt.Errorf("decode applications: %w", err)
	}
	return storage.ListResult[domain.Application]{Items: items}, nil
}

func (r *ApplicationRepository) Count(ctx context.Context, cond storage.ApplicationCond) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, applicationFilter(cond))
	if err != nil {
		return 0, fmt.Errorf("count applications: %w", err)
	}
	return n, nil
}

func (r *ApplicationRepository) Update(ctx context.Context, cond storage.ApplicationCond, fields storage.ApplicationUpdate) error {
	set := bson.M{"modifiedAt": domain.NowMS()}
	if fields.HostURI != nil {
		set["hostUri"] = *fields.HostURI
	}
	if fields.Name != nil {
		set["name"] = *fields.Name
	}
	if fields.Info != nil {
		set["info"] = fields.Info
	}
	res, err := r.coll.UpdateOne(ctx, applicationFilter(cond), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ApplicationRepository) Del(ctx context.Context, cond storage.ApplicationCond) error {
	_, err := r.coll.DeleteOne(ctx, applicationFilter(cond))
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	return nil
}

func applicationFilter(cond storage.ApplicationCond) bson.M {
	f := bson.M{}
	if cond.ApplicationID != "" {
		f["_id"] = cond.ApplicationID
	}
	if cond.UnitID != "" {
		f["unitId"] = cond.UnitID
	}
	if cond.Code != "" {
		f["code"] = strings.ToLower(cond.Code)
	}
	if cond.Contains != "" {
		re := bson.M{"$regex": cond.Contains, "$options": "i"}
		f["$or"] = bson.A{bson.M{"code": re}, bson.M{"name": re}}
	}
	return f
}
