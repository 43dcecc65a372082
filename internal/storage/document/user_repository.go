package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

type UserRepository struct {
	coll *mongo.Collection
}

func NewUserRepository(db *mongo.Database) *UserRepository {
	return &UserRepository{coll: db.Collection("user")}
}

func (r *UserRepository) Add(ctx context.Context, u *domain.User) error {
	u.Account = strings.ToLower(u.Account)
	_, err := r.coll.InsertOne(ctx, u)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) Get(ctx context.Context, cond storage.UserCond) (*domain.User, error) {
	var u domain.User
	err := r.coll.FindOne(ctx, userFilter(cond)).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (r *UserRepository) List(ctx context.Context, cond storage.UserCond, opts storage.ListOptions) (storage.ListResult[domain.User], error) {
	findOpts := options.Find().SetSort(sortDoc(opts.Sort)).SetSkip(int64(opts.Offset))
	if lim, unlimited := resolveLimit(opts.Limit); !unlimited {
		findOpts = findOpts.SetLimit(lim)
	}
	cur, err := r.coll.Find(ctx, userFilter(cond), findOpts)
	if err != nil {
		return storage.ListResult[domain.User]{}, fmt.Errorf("list users: %w", err)
	}
	defer cur.Close(ctx)
	var items []domain.User
	if err := cur.All(ctx, &items); err != nil {
		return storage.ListResult[domain.User]{}, fmt.Errorf("decode users: %w", err)
	}
	return storage.ListResult[domain.User]{Items: items}, nil
}

func (r *UserRepository) Count(ctx context.Context, cond storage.UserCond) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, userFilter(cond))
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (r *UserRepository) Update(ctx context.Context, cond storage.UserCond, fields storage.UserUpdate) error {
	set := bson.M{"modifiedAt": domain.NowMS()}
	unset := bson.M{}
	if fields.Password != nil {
		set["password"] = *fields.Password
	}
	if fields.Salt != nil {
		set["salt"] = *fields.Salt
	}
	if fields.Name != nil {
		set["name"] = *fields.Name
	}
	if fields.Roles != nil {
		set["roles"] = fields.Roles
	}
	applyMillisField(set, unset, "verifiedAt", fields.VerifiedAt)
	applyMillisField(set, unset, "expiredAt", fields.ExpiredAt)
	applyMillisField(set, unset, "disabledAt", fields.DisabledAt)
	if fields.MFASecret != nil {
		if *fields.MFASecret == nil {
			unset["mfaSecret"] = ""
		} else {
			set["mfaSecret"] = **fields.MFASecret
		}
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	res, err := r.coll.UpdateOne(ctx, userFilter(cond), update)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *UserRepository) Del(ctx context.Context, cond storage.UserCond) error {
	_, err := r.coll.DeleteOne(ctx, userFilter(cond))
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// applyMillisField resolves a **int64 field (nil outer = unset, non-nil
// outer pointing to nil = clear, non-nil outer pointing to non-nil = set)
// onto the running $set/$unset documents.
func applyMillisField(set, unset bson.M, field string, v **int64) {
	if v == nil {
		return
	}
	if *v == nil {
		unset[field] = ""
		return
	}
	set[field] = time.UnixMilli(**v).UTC()
}

func userFilter(cond storage.UserCond) bson.M {
	f := bson.M{}
	if cond.UserID != "" {
		f["_id"] = cond.UserID
	}
	if cond.Account != "" {
		f["account"] = strings.ToLower(cond.Account)
	}
	if cond.Contains != "" {
		re := bson.M{"$regex": cond.Contains, "$options": "i"}
		f["$or"] = bson.A{bson.M{"account": re}, bson.M{"name": re}}
	}
	return f
}
