package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

type DlDataBufferRepository struct {
	coll *mongo.Collection
}

func NewDlDataBufferRepository(db *mongo.Database) *DlDataBufferRepository {
	return &DlDataBufferRepository{coll: db.Collection("dlDataBuffer")}
}

func (r *DlDataBufferRepository) Add(ctx context.Context, b *domain.DlDataBuffer) error {
	_, err := r.coll.InsertOne(ctx, b)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert dldata_buffer: %w", err)
	}
	return nil
}

func (r *DlDataBufferRepository) Get(ctx context.Context, cond storage.DlDataBufferCond) (*domain.DlDataBuffer, error) {
	var b domain.DlDataBuffer
	err := r.coll.FindOne(ctx, dlDataBufferFilter(cond)).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dldata_buffer: %w", err)
	}
	return &b, nil
}

func (r *DlDataBufferRepository) List(ctx context.Context, cond storage.DlDataBufferCond, opts storage.ListOptions) (storage.ListResult[domain.DlDataBuffer], error) {
	findOpts := options.Find().SetSort(sortDoc(opts.Sort)).SetSkip(int64(opts.Offset))
	if lim, unlimited := resolveLimit(opts.Limit); !unlimited {
		findOpts = findOpts.SetLimit(lim)
	}
	cur, err := r.coll.Find(ctx, dlDataBufferFilter(cond), findOpts)
	if err != nil {
		return storage.ListResult[domain.DlDataBuffer]{}, fmt.Errorf("list dldata_buffers: %w", err)
	}
	defer cur.Close(ctx)
	var items []domain.DlDataBuffer
	if err := cur.All(ctx, &items); err != nil {
		return storage.ListResult[domain.DlDataBuffer]{}, fmt.Errorf("decode dldata_buffers: %w", err)
	}
	return storage.ListResult[domain.DlDataBuffer]{Items: items}, nil
}

func (r *DlDataBufferRepository) Count(ctx context.Context, cond storage.DlDataBufferCond) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, dlDataBufferFilter(cond))
	if err != nil {
		return 0, fmt.Errorf("count dldata_buffers: %w", err)
	}
	return n, nil
}

func (r *DlDataBufferRepository) Del(ctx context.Context, cond storage.DlDataBufferCond) error {
	_, err := r.coll.DeleteOne(ctx, dlDataBufferFilter(cond))
	if err != nil {
		return fmt.Errorf("delete dldata_buffer: %w", err)
	}
	return nil
}

// DelExpired removes every buffer whose expiredAt has passed, used by the
// janitor worker (spec.md §9 open question).
func (r *DlDataBufferRepository) DelExpired(ctx context.Context) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"expiredAt": bson.M{"$lt": time.Now().UTC()}})
	if err != nil {
		return 0, fmt.Errorf("delete expired dldata_buffers: %w", err)
	}
	return res.DeletedCount, nil
}

func dlDataBufferFilter(cond storage.DlDataBufferCond) bson.M {
	f := bson.M{}
	if cond.DataID != "" {
		f["_id"] = cond.DataID
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
	if cond.ExpiredBefore != nil {
		f["expiredAt"] = bson.M{"$lt": *cond.ExpiredBefore}
	}
	return f
}
