// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoPingTimeout bounds the connectivity check done by OpenMongo.
const mongoPingTimeout = 5 * time.Second

// maxRune replaces a trailing 0xff in an upper bound. MongoDB only accepts
// valid UTF-8, and no valid key sorts above it.
const maxRune = "\U0010FFFF"

// mongoDoc is the stored form of a pair.
type mongoDoc struct {
	Key   string `bson:"_id"`
	Value []byte `bson:"value"`
}

// Mongo is an Engine backed by a MongoDB collection. Each key is a document
// whose _id is the key.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// OpenMongo connects to the MongoDB server at uri and uses collection
// collName in database dbName.
func OpenMongo(ctx context.Context, uri, dbName, collName string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, classifyMongo(err)
	}

	// Verify connection quickly
	pctx, cancel := context.WithTimeout(ctx, mongoPingTimeout)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, classifyMongo(err)
	}

	log.Debugf("Connected to mongo collection %s.%s", dbName, collName)
	return &Mongo{
		client: cli,
		coll:   cli.Database(dbName).Collection(collName),
	}, nil
}

// classifyMongo wraps a driver error with its classification.
func classifyMongo(err error) error {
	if err == nil {
		return nil
	}

	var kind string
	var cmdErr mongo.CommandError
	switch {
	case mongo.IsTimeout(err):
		kind = "Timeout"
	case mongo.IsNetworkError(err):
		kind = "Network"
	case mongo.IsDuplicateKeyError(err):
		kind = "DuplicateKey"
	case errors.Is(err, mongo.ErrClientDisconnected):
		kind = "ClientDisconnected"
	case errors.As(err, &cmdErr):
		kind = "Command:" + cmdErr.Name
	default:
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Get returns the value stored under key.
func (m *Mongo) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyMongo(err)
	}
	return doc.Value, nil
}

// Put upserts value under key.
func (m *Mongo) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}

	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": key},
		mongoDoc{Key: key, Value: value},
		options.Replace().SetUpsert(true))
	return classifyMongo(err)
}

// Delete removes key.
func (m *Mongo) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": key})
	return classifyMongo(err)
}

// Clear removes every document in the collection.
func (m *Mongo) Clear(ctx context.Context) error {
	_, err := m.coll.DeleteMany(ctx, bson.M{})
	return classifyMongo(err)
}

// List returns the pairs within r in key order.
func (m *Mongo) List(ctx context.Context, r Range) ([]Pair, error) {
	bounds := bson.M{}
	if r.Gte != "" {
		bounds["$gte"] = r.Gte
	}
	if r.Lte != "" {
		if strings.HasSuffix(r.Lte, "\xff") {
			bounds["$lte"] = strings.TrimSuffix(r.Lte, "\xff") + maxRune
		} else {
			bounds["$lte"] = r.Lte
		}
	}
	filter := bson.M{}
	if len(bounds) > 0 {
		filter["_id"] = bounds
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if !r.withValues() {
		opts.SetProjection(bson.M{"value": 0})
	}

	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, classifyMongo(err)
	}
	defer cur.Close(ctx)

	var pairs []Pair
	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		var p Pair
		if r.withKeys() {
			p.Key = doc.Key
		}
		if r.withValues() {
			p.Value = doc.Value
		}
		pairs = append(pairs, p)
	}
	return pairs, classifyMongo(cur.Err())
}

// Close disconnects from the server.
func (m *Mongo) Close() error {
	return classifyMongo(m.client.Disconnect(context.Background()))
}
