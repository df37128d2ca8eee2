// Copyright (c) 2015 Monetas.
// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kv

import (
	"context"
	"errors"
	"time"

	"github.com/boltdb/bolt"
)

const (
	// dbTimeout is the time duration after which an attempted connection to the
	// database must time out.
	dbTimeout = time.Millisecond * 500

	// latestStoreVersion is the most recent version of data store. This is how
	// Bolt can know whether to update the database structure or not.
	latestStoreVersion = 0x01
)

// Buckets for storing data in the database.
var (
	miscBucket = []byte("misc")
	dataBucket = []byte("data")

	// Version of the data store.
	versionKey = []byte("version")
)

// boltErrors gives a classification to each error returned by bolt.
var boltErrors = map[error]string{
	bolt.ErrDatabaseNotOpen:   "DatabaseNotOpen",
	bolt.ErrDatabaseOpen:      "DatabaseOpen",
	bolt.ErrInvalid:           "Invalid",
	bolt.ErrVersionMismatch:   "VersionMismatch",
	bolt.ErrChecksum:          "Checksum",
	bolt.ErrTimeout:           "Timeout",
	bolt.ErrTxNotWritable:     "TxNotWritable",
	bolt.ErrTxClosed:          "TxClosed",
	bolt.ErrDatabaseReadOnly:  "DatabaseReadOnly",
	bolt.ErrBucketNotFound:    "BucketNotFound",
	bolt.ErrKeyRequired:       "KeyRequired",
	bolt.ErrKeyTooLarge:       "KeyTooLarge",
	bolt.ErrValueTooLarge:     "ValueTooLarge",
	bolt.ErrIncompatibleValue: "IncompatibleValue",
}

// classify wraps a bolt error so that its classification survives wrapping
// by callers.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if kind, ok := boltErrors[err]; ok {
		return &Error{Kind: kind, Err: err}
	}
	return err
}

// Bolt is an Engine which keeps all data in a single bolt database file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the bolt database in file.
func OpenBolt(file string) (*Bolt, error) {
	db, err := bolt.Open(file, 0600, &bolt.Options{Timeout: dbTimeout})
	if err != nil {
		return nil, classify(err)
	}
	b := &Bolt{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		misc, err := tx.CreateBucketIfNotExists(miscBucket)
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}

		if misc.Get(versionKey) == nil { // It's a new database.
			return misc.Put(versionKey, []byte{latestStoreVersion})
		}

		// Upgrade database if necessary.
		return b.checkAndUpgrade(tx)
	})
	if err != nil {
		db.Close()
		return nil, classify(err)
	}

	log.Debugf("Opened bolt database %s", file)
	return b, nil
}

// checkAndUpgrade is responsible for checking the version of the data store
// and upgrading itself if necessary.
func (b *Bolt) checkAndUpgrade(tx *bolt.Tx) error {
	bVersion := tx.Bucket(miscBucket).Get(versionKey)
	if len(bVersion) != 1 || bVersion[0] != latestStoreVersion {
		return errors.New("unrecognized version of data store")
	}
	return nil
}

// Get returns the value stored under key.
func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrEmptyKey
	}

	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dataBucket).Get([]byte(key))
		if v == nil { // Entry doesn't exist.
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		value = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return value, nil
}

// Put stores value under key.
func (b *Bolt) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}

	return classify(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Put([]byte(key), value)
	}))
}

// Delete removes key from the database.
func (b *Bolt) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}

	return classify(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Delete([]byte(key))
	}))
}

// Clear removes all data, keeping the version information.
func (b *Bolt) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return classify(b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(dataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(dataBucket)
		return err
	}))
}

// List returns the pairs within r in key order.
func (b *Bolt) List(ctx context.Context, r Range) ([]Pair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pairs []Pair
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(dataBucket).Cursor()

		var k, v []byte
		if r.Gte == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(r.Gte))
		}

		for ; k != nil; k, v = c.Next() {
			key := string(k)
			if r.Lte != "" && key > r.Lte {
				break
			}

			var p Pair
			if r.withKeys() {
				p.Key = key
			}
			if r.withValues() {
				p.Value = append([]byte{}, v...)
			}
			pairs = append(pairs, p)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return pairs, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return classify(b.db.Close())
}
