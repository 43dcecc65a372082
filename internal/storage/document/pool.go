// Package document is the document repository backend (C1), selected via
// db.engine=document (spec.md §6.5). It implements every interface in
// package storage against go.mongodb.org/mongo-driver, mirroring the
// relational backend's query-construction style (condition struct ->
// bson.M filter, options struct -> FindOptions) so the two backends stay
// behaviorally interchangeable.
package document

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// NewClient connects to MongoDB, grounded on the relational backend's
// NewPool shape (parse, connect, ping, return).
func NewClient(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}
