package document

import (
	"go.mongodb.org/mongo-driver/bson"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// fieldNames maps the public sort-key vocabulary (spec.md §4.1) onto
// document field names. Unknown keys are dropped; the API layer validates
// the sort grammar before it reaches a repository.
var fieldNames = map[string]string{
	"ApplicationCode": "applicationCode",
	"NetworkCode":     "networkCode",
	"NetworkAddr":     "networkAddr",
	"CreatedAt":       "createdAt",
	"ModifiedAt":      "modifiedAt",
	"ExpiredAt":       "expiredAt",
	"Code":            "code",
	"Name":            "name",
	"Account":         "account",
}

// sortDoc renders ListOptions.Sort as a bson.D, tie-broken on _id so paging
// stays total (spec.md §8 invariant 5) the same way the relational
// backend's orderByClause does.
func sortDoc(sort []storage.SortEntry) bson.D {
	d := bson.D{}
	for _, s := range sort {
		field, ok := fieldNames[s.Field]
		if !ok {
			continue
		}
		dir := 1
		if s.Desc {
			dir = -1
		}
		d = append(d, bson.E{Key: field, Value: dir})
	}
	d = append(d, bson.E{Key: "_id", Value: 1})
	return d
}

// resolveLimit mirrors the relational backend's resolveLimit: the API
// layer resolves "unset" to storage.DefaultLimit and "no limit" to
// storage.NoLimit before a repository ever sees it.
func resolveLimit(limit int) (lim int64, unlimited bool) {
	if limit == storage.NoLimit {
		return 0, true
	}
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	return int64(limit), false
}
