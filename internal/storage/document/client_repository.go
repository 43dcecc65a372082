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

type ClientRepository struct {
	coll *mongo.Collection
}

func NewClientRepository(db *mongo.Database) *ClientRepository {
	return &ClientRepository{coll: db.Collection("client")}
}

func (r *ClientRepository) Add(ctx context.Context, c *domain.Client) error {
	_, err := r.coll.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (r *ClientRepository) Get(ctx context.Context, cond storage.ClientCond) (*domain.Client, error) {
	var c domain.Client
	err := r.coll.FindOne(ctx, clientFilter(cond)).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &c, nil
}

func (r *ClientRepository) List(ctx context.Context, cond storage.ClientCond, opts storage.ListOptions) (storage.ListResult[domain.Client], error) {
	findOpts := options.Find().SetSort(sortDoc(opts.Sort)).SetSkip(int64(opts.Offset))
	if lim, unlimited := resolveLimit(opts.Limit); !unlimited {
		findOpts = findOpts.SetLimit(lim)
	}
	cur, err := r.coll.Find(ctx, clientFilter(cond), findOpts)
	if err != nil {
		return storage.ListResult[domain.Client]{}, fmt.Errorf("list clients: %w", err)
	}
	defer cur.Close(ctx)
	var items []domain.Client
	if err := cur.All(ctx, &items); err != nil {
		return storage.ListResult[domain.Client]{}, fmt.Errorf("decode clients: %w", err)
	}
	return storage.ListResult[domain.Client]{Items: items}, nil
}

func (r *ClientRepository) Count(ctx context.Context, cond storage.ClientCond) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, clientFilter(cond))
	if err != nil {
		return 0, fmt.Errorf("count clients: %w", err)
	}
	return n, nil
}

func (r *ClientRepository) Update(ctx context.Context, cond storage.ClientCond, fields storage.ClientUpdate) error {
	set := bson.M{"modifiedAt": domain.NowMS()}
	if fields.RedirectURIs != nil {
		set["redirectUris"] = *fields.RedirectURIs
	}
	if fields.Scopes != nil {
		set["scopes"] = *fields.Scopes
	}
	if fields.Name != nil {
		set["name"] = *fields.Name
	}
	if fields.ImageURL != nil {
		set["imageUrl"] = *fields.ImageURL
	}
	res, err := r.coll.UpdateOne(ctx, clientFilter(cond), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ClientRepository) Del(ctx context.Context, cond storage.ClientCond) error {
	_, err := r.coll.DeleteOne(ctx, clientFilter(cond))
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

func clientFilter(cond storage.ClientCond) bson.M {
	f := bson.M{}
	if cond.ClientID != "" {
		f["_id"] = cond.ClientID
	}
	if cond.UserID != "" {
		f["userId"] = cond.UserID
	}
	if cond.Contains != "" {
		f["name"] = bson.M{"$regex": cond.Contains, "$options": "i"}
	}
	return f
}
