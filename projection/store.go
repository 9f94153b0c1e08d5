// Package projection provides the document store the handlers project
// into. Collections are exposed behind narrow interfaces so handler and
// processor tests can run against an in-memory implementation.
package projection

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names of the projection layout.
const (
	CustomersCollection        = "customers"
	LoanAccountsCollection     = "loan-accounts"
	ConversationsCollection    = "conversations"
	WriteOffRequestsCollection = "write-off-requests"
)

const (
	defaultOpTimeout = 5 * time.Second
	storeName        = "projection-mongo"
)

type (
	// DB is the projection store surface handed to handlers. Handlers
	// must not retain collections past their return.
	DB interface {
		Collection(name string) Collection
	}

	// Collection is the subset of mongo collection operations the
	// handlers use.
	Collection interface {
		FindOne(ctx context.Context, filter any) SingleResult
		UpdateOne(ctx context.Context, filter any, update any,
			opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
		InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
	}

	// SingleResult mirrors mongo.SingleResult.
	SingleResult interface {
		Decode(val any) error
	}

	// Options configures the Mongo-backed store.
	Options struct {
		Client   *mongodriver.Client
		Database string
		Timeout  time.Duration
	}

	// Store is the MongoDB implementation of DB. It also implements
	// goa.design/clue/health.Pinger.
	Store struct {
		client  *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}

	mongoCollection struct {
		coll    *mongodriver.Collection
		timeout time.Duration
	}
)

// ErrNoDocuments is returned by FindOne when no document matches.
var ErrNoDocuments = mongodriver.ErrNoDocuments

// New builds a Store and creates the lookup indexes the handlers rely on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		client:  opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Collection returns a handle on the named collection. Collections are
// created on demand by the driver, so handlers receiving unknown event
// shapes may write to auxiliary collections freely.
func (s *Store) Collection(name string) Collection {
	return mongoCollection{coll: s.db.Collection(name), timeout: s.timeout}
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := func(key string) mongodriver.IndexModel {
		return mongodriver.IndexModel{
			Keys:    bson.D{{Key: key, Value: 1}},
			Options: options.Index().SetUnique(true),
		}
	}
	plain := func(key string) mongodriver.IndexModel {
		return mongodriver.IndexModel{Keys: bson.D{{Key: key, Value: 1}}}
	}
	for coll, model := range map[string]mongodriver.IndexModel{
		CustomersCollection:     unique("customerId"),
		LoanAccountsCollection:  unique("loanAccountId"),
		ConversationsCollection: unique("conversationId"),
	} {
		if _, err := s.db.Collection(coll).Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	// Write-off lookups are by requestId (workflow correlation) and
	// eventId (CRM polling). Neither is unique: duplicate-insert
	// protection is the processor's dedup mark, not the index.
	for _, key := range []string{"requestId", "eventId"} {
		if _, err := s.db.Collection(WriteOffRequestsCollection).Indexes().CreateOne(ctx, plain(key)); err != nil {
			return err
		}
	}
	return nil
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) SingleResult {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.coll.InsertOne(ctx, document)
}

func (c mongoCollection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
