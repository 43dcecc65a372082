package document

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

type NetworkRouteRepository struct {
	coll *mongo.Collection
}

func NewNetworkRouteRepository(db *mongo.Database) *NetworkRouteRepository {
	return &NetworkRouteRepository{coll: db.Collection("networkRoute")}
}

func (r *NetworkRouteRepository) Add(ctx context.Context, rt *domain.NetworkRoute) error {
	_, err := r.coll.InsertOne(ctx, rt)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert network_route: %w", err)
	}
	return nil
}

func (r *NetworkRouteRepository) Get(ctx context.Context, cond storage.NetworkRouteCond) (*domain.NetworkRoute, error) {
	var rt domain.NetworkRoute
	err := r.coll.FindOne(ctx, networkRouteFilter(cond)).Decode(&rt)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get network_route: %w", err)
	}
	return &rt, nil
}

func (r *NetworkRouteRepository) List(ctx context.Context, cond storage.NetworkRouteCond, opts storage.ListOptions) (storage.ListResult[domain.NetworkRoute], error) {
	findOpts := options.Find().SetSort(sortDoc(opts.Sort)).SetSkip(int64(opts.Offset))
	if lim, unlimited := resolveLimit(opts.Limit); !unlimited {
		findOpts = findOpts.SetLimit(lim)
	}
	cur, err := r.coll.Find(ctx, networkRouteFilter(cond), findOpts)
	if err != nil {
		return storage.ListResult[domain.NetworkRoute]{}, fmt.Errorf("list network_routes: %w", err)
	}
	defer cur.Close(ctx)
	var items []domain.NetworkRoute
	if err := cur.All(ctx, &items); err != nil {
		return storage.ListResult[domain.NetworkRoute]{}, fmt.Errorf("decode network_routes: %w", err)
	}
	return storage.ListResult[domain.NetworkRoute]{Items: items}, nil
}

func (r *NetworkRouteRepository) Count(ctx context.Context, cond storage.NetworkRouteCond) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, networkRouteFilter(cond))
	if err != nil {
		return 0, fmt.Errorf("count network_routes: %w", err)
	}
	return n, nil
}

func (r *NetworkRouteRepository) Del(ctx context.Context, cond storage.NetworkRouteCond) error {
	_, err := r.coll.DeleteOne(ctx, networkRouteFilter(cond))
	if err != nil {
		return fmt.Errorf("delete network_route: %w", err)
	}
	return nil
}

func networkRouteFilter(cond storage.NetworkRouteCond) bson.M {
	f := bson.M{}
	if cond.RouteID != "" {
		f["_id"] = cond.RouteID
	}
	if cond.UnitID != "" {
		f["unitId"] = cond.UnitID
	}
	if cond.ApplicationID != "" {
		f["applicationId"] = cond.ApplicationID
	}
	if cond.NetworkID != "" {
		f["networkId"] = cond.NetworkID
	}
	return f
}
