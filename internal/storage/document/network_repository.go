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

type NetworkRepository struct {
	coll *mongo.Collection
}

func NewNetworkRepository(db *mongo.Database) *NetworkRepository {
	return &NetworkRepository{coll: db.Collection("network")}
}

func (r *NetworkRepository) Add(ctx context.Context, n *domain.Network) error {
	n.Code = strings.ToLower(n.Code)
	n.UnitCode = strings.ToLower(n.UnitCode)
	_, err := r.coll.InsertOne(ctx, n)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert network: %w", err)
	}
	return nil
}

func (r *NetworkRepository) Get(ctx context.Context, cond storage.NetworkCond) (*domain.Network, error) {
	var n domain.Network
	err := r.coll.FindOne(ctx, networkFilter(cond)).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get network: %w", err)
	}
	return &n, nil
}

func (r *NetworkRepository) List(ctx context.Context, cond storage.NetworkCond, opts storage.ListOptions) (storage.ListResult[domain.Network], error) {
	findOpts := options.Find().SetSort(sortDoc(opts.Sort)).SetSkip(int64(opts.Offset))
	if lim, unlimited := resolveLimit(opts.Limit); !unlimited {
		findOpts = findOpts.SetLimit(lim)
	}
	cur, err := r.coll.Find(ctx, networkFilter(cond), findOpts)
	if err != nil {
		return storage.ListResult[domain.Network]{}, fmt.Errorf("list networks: %w", err)
	}
	defer cur.Close(ctx)
	var items []domain.Network
	if err := cur.All(ctx, &items); err != nil {
		return storage.ListResult[domain.Network]{}, fmt.Errorf("decode networks: %w", err)
	}
	return storage.ListResult[domain.Network]{Items: items}, nil
}

func (r *NetworkRepository) Count(ctx context.Context, cond storage.NetworkCond) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, networkFilter(cond))
	if err != nil {
		return 0, fmt.Errorf("count networks: %w", err)
	}
	return n, nil
}

func (r *NetworkRepository) Update(ctx context.Context, cond storage.NetworkCond, fields storage.NetworkUpdate) error {
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
	res, err := r.coll.UpdateOne(ctx, networkFilter(cond), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update network: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *NetworkRepository) Del(ctx context.Context, cond storage.NetworkCond) error {
	_, err := r.coll.DeleteOne(ctx, networkFilter(cond))
	if err != nil {
		return fmt.Errorf("delete network: %w", err)
	}
	return nil
}

func networkFilter(cond storage.NetworkCond) bson.M {
	f := bson.M{}
	if cond.NetworkID != "" {
		f["_id"] = cond.NetworkID
	}
	if cond.PublicOnly {
		f["unitId"] = nil
	} else if cond.UnitID != "" {
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
