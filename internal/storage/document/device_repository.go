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

type DeviceRepository struct {
	coll *mongo.Collection
}

func NewDeviceRepository(db *mongo.Database) *DeviceRepository {
	return &DeviceRepository{coll: db.Collection("device")}
}

func (r *DeviceRepository) Add(ctx context.Context, d *domain.Device) error {
	normalizeDevice(d)
	_, err := r.coll.InsertOne(ctx, d)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// AddBulk inserts every device in the batch, skipping ones that collide on
// the (networkId, networkAddr) unique index (spec.md §4.1 upsert-or-skip).
func (r *DeviceRepository) AddBulk(ctx context.Context, devices []*domain.Device) error {
	if len(devices) == 0 {
		return nil
	}
	if len(devices) > storage.BulkMax {
		return fmt.Errorf("add_bulk device: %w", domain.ErrRangeTooLarge)
	}
	docs := make([]any, len(devices))
	for i, d := range devices {
		normalizeDevice(d)
		docs[i] = d
	}
	_, err := r.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert devices in bulk: %w", err)
	}
	return nil
}

func normalizeDevice(d *domain.Device) {
	d.NetworkCode = strings.ToLower(d.NetworkCode)
	d.NetworkAddr = strings.ToLower(d.NetworkAddr)
	d.UnitCode = strings.ToLower(d.UnitCode)
}

func (r *DeviceRepository) Get(ctx context.Context, cond storage.DeviceCond) (*domain.Device, error) {
	var d domain.Device
	err := r.coll.FindOne(ctx, deviceFilter(cond)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

func (r *DeviceRepository) List(ctx context.Context, cond storage.DeviceCond, opts storage.ListOptions) (storage.ListResult[domain.Device], error) {
	findOpts := options.Find().SetSort(sortDoc(opts.Sort)).SetSkip(int64(opts.Offset))
	if lim, unlimited := resolveLimit(opts.Limit); !unlimited {
		findOpts = findOpts.SetLimit(lim)
	}
	cur, err := r.coll.Find(ctx, deviceFilter(cond), findOpts)
	if err != nil {
		return storage.ListResult[domain.Device]{}, fmt.Errorf("list devices: %w", err)
	}
	defer cur.Close(ctx)
	var items []domain.Device
	if err := cur.All(ctx, &items); err != nil {
		return storage.ListResult[domain.Device]{}, fmt.Errorf("decode devices: %w", err)
	}
	return storage.ListResult[domain.Device]{Items: items}, nil
}

func (r *DeviceRepository) Count(ctx context.Context, cond storage.DeviceCond) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, deviceFilter(cond))
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

func (r *DeviceRepository) Update(ctx context.Context, cond storage.DeviceCond, fields storage.DeviceUpdate) error {
	set := bson.M{"modifiedAt": domain.NowMS()}
	if fields.NetworkAddr != nil {
		set["networkAddr"] = strings.ToLower(*fields.NetworkAddr)
	}
	if fields.Profile != nil {
		set["profile"] = *fields.Profile
	}
	if fields.Name != nil {
		set["name"] = *fields.Name
	}
	if fields.Info != nil {
		set["info"] = fields.Info
	}
	res, err := r.coll.UpdateOne(ctx, deviceFilter(cond), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *DeviceRepository) Del(ctx context.Context, cond storage.DeviceCond) error {
	_, err := r.coll.DeleteOne(ctx, deviceFilter(cond))
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

func (r *DeviceRepository) DelBulk(ctx context.Context, deviceIDs []string) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	_, err := r.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": deviceIDs}})
	if err != nil {
		return fmt.Errorf("delete devices in bulk: %w", err)
	}
	return nil
}

func deviceFilter(cond storage.DeviceCond) bson.M {
	f := bson.M{}
	if cond.DeviceID != "" {
		f["_id"] = cond.DeviceID
	}
	if cond.UnitID != "" {
		f["unitId"] = cond.UnitID
	}
	if cond.NetworkID != "" {
		f["networkId"] = cond.NetworkID
	}
	if cond.NetworkAddr != "" {
		f["networkAddr"] = strings.ToLower(cond.NetworkAddr)
	}
	if cond.Contains != "" {
		re := bson.M{"$regex": cond.Contains, "$options": "i"}
		f["$or"] = bson.A{bson.M{"networkAddr": re}, bson.M{"name": re}}
	}
	return f
}
