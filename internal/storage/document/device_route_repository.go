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

type DeviceRouteRepository struct {
	coll *mongo.Collection
}

func NewDeviceRouteRepository(db *mongo.Database) *DeviceRouteRepository {
	return &DeviceRouteRepository{coll: db.Collection("deviceRoute")}
}

func (r *DeviceRouteRepository) Add(ctx context.Context, rt *domain.DeviceRoute) error {
	_, err := r.coll.InsertOne(ctx, rt)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert device_route: %w", err)
	}
	return nil
}

// AddBulk binds every device in the batch to the same application, skipping
// pairs that already have a route (spec.md §4.1 upsert-or-skip).
func (r *DeviceRouteRepository) AddBulk(ctx context.Context, routes []*domain.DeviceRoute) error {
	if len(routes) == 0 {
		return nil
	}
	if len(routes) > storage.BulkMax {
		return fmt.Errorf("add_bulk device_route: %w", domain.ErrRangeTooLarge)
	}
	docs := make([]any, len(routes))
	for i, rt := range routes {
		docs[i] = rt
	}
	_, err := r.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert device_routes in bulk: %w", err)
	}
	return nil
}

func (r *DeviceRouteRepository) Get(ctx context.Context, cond storage.DeviceRouteCond) (*domain.DeviceRoute, error) {
	var rt domain.DeviceRoute
	err := r.coll.FindOne(ctx, deviceRouteFilter(cond)).Decode(&rt)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device_route: %w", err)
	}
	return &rt, nil
}

func (r *DeviceRouteRepository) List(ctx context.Context, cond storage.DeviceRouteCond, opts storage.ListOptions) (storage.ListResult[domain.DeviceRoute], error) {
	findOpts := options.Find().SetSort(sortDoc(opts.Sort)).SetSkip(int64(opts.Offset))
	if lim, unlimited := resolveLimit(opts.Limit); !unlimited {
		findOpts = findOpts.SetLimit(lim)
	}
	cur, err := r.coll.Find(ctx, deviceRouteFilter(cond), findOpts)
	if err != nil {
		return storage.ListResult[domain.DeviceRoute]{}, fmt.Errorf("list device_routes: %w", err)
	}
	defer cur.Close(ctx)
	var items []domain.DeviceRoute
	if err := cur.All(ctx, &items); err != nil {
		return storage.ListResult[domain.DeviceRoute]{}, fmt.Errorf("decode device_routes: %w", err)
	}
	return storage.ListResult[domain.DeviceRoute]{Items: items}, nil
}

func (r *DeviceRouteRepository) Count(ctx context.Context, cond storage.DeviceRouteCond) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, deviceRouteFilter(cond))
	if err != nil {
		return 0, fmt.Errorf("count device_routes: %w", err)
	}
	return n, nil
}

func (r *DeviceRouteRepository) Del(ctx context.Context, cond storage.DeviceRouteCond) error {
	_, err := r.coll.DeleteOne(ctx, deviceRouteFilter(cond))
	if err != nil {
		return fmt.Errorf("delete device_route: %w", err)
	}
	return nil
}

func (r *DeviceRouteRepository) DelBulk(ctx context.Context, routeIDs []string) error {
	if len(routeIDs) == 0 {
		return nil
	}
	_, err := r.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": routeIDs}})
	if err != nil {
		return fmt.Errorf("delete device_routes in bulk: %w", err)
	}
	return nil
}

// RefreshDeviceProfile propagates a device's updated profile onto every
// route referencing it.
func (r *DeviceRouteRepository) RefreshDeviceProfile(ctx context.Context, deviceID, profile string) error {
	_, err := r.coll.UpdateMany(ctx,
		bson.M{"deviceId": deviceID},
		bson.M{"$set": bson.M{"profile": profile, "modifiedAt": domain.NowMS()}})
	if err != nil {
		return fmt.Errorf("refresh device_route profile: %w", err)
	}
	return nil
}

func deviceRouteFilter(cond storage.DeviceRouteCond) bson.M {
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
	if cond.DeviceID != "" {
		f["deviceId"] = cond.DeviceID
	}
	return f
}
