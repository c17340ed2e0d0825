package db

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/alatar/waitlist/internal/models"
	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
	"github.com/alatar/waitlist/services/waitlist-service/internal/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

const emailIndexName = "email_unique"

// MongoDialer opens one small client per request. The pool is capped by
// database.max_pool_size (1 by default) since every handle is closed when
// its request finishes.
type MongoDialer struct {
	cfg config.DatabaseConfig
}

func NewMongoDialer(cfg config.DatabaseConfig) *MongoDialer {
	return &MongoDialer{cfg: cfg}
}

func (d *MongoDialer) Name() string { return config.DriverMongo }

func (d *MongoDialer) clientOptions() *options.ClientOptions {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1).
		SetStrict(true).
		SetDeprecationErrors(true)

	opts := options.Client().
		ApplyURI(d.cfg.URL).
		SetServerAPIOptions(serverAPI).
		SetMaxPoolSize(d.cfg.MaxPoolSize).
		SetMinPoolSize(d.cfg.MinPoolSize).
		SetMaxConnIdleTime(d.cfg.MaxIdleTime).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetSocketTimeout(d.cfg.SocketTimeout).
		SetServerSelectionTimeout(d.cfg.ServerSelectionTimeout)

	if d.cfg.ForceIPv4 {
		opts.SetDialer(&ipv4Dialer{Dialer: net.Dialer{Timeout: d.cfg.ConnectTimeout}})
	}
	return opts
}

// Dial connects and verifies the link with a ping. When the client was
// created but the ping failed, the client is returned with the error so the
// manager can retry the liveness check before reconnecting.
func (d *MongoDialer) Dial(ctx context.Context) (Conn, error) {
	client, err := mongo.Connect(ctx, d.clientOptions())
	if err != nil {
		return nil, classifyMongo("mongo.connect", err)
	}

	conn := &mongoConn{
		client:    client,
		coll:      client.Database(d.cfg.Name).Collection(d.cfg.Collection),
		opTimeout: d.cfg.SocketTimeout,
	}
	if err := conn.Ping(ctx); err != nil {
		return conn, err
	}
	return conn, nil
}

type mongoConn struct {
	client    *mongo.Client
	coll      *mongo.Collection
	opTimeout time.Duration
}

func (c *mongoConn) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *mongoConn) Ping(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return classifyMongo("mongo.ping", err)
	}
	return nil
}

func (c *mongoConn) Close(ctx context.Context) error {
	if err := c.client.Disconnect(ctx); err != nil {
		return classifyMongo("mongo.disconnect", err)
	}
	return nil
}

func (c *mongoConn) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	opts := options.FindOne().SetProjection(bson.M{"_id": 1})
	err := c.coll.FindOne(ctx, bson.M{"email": email}, opts).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, classifyMongo("mongo.find", err)
	}
	return true, nil
}

func (c *mongoConn) InsertSignup(ctx context.Context, rec models.SignupRecord) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if _, err := c.coll.InsertOne(ctx, rec); err != nil {
		return classifyMongo("mongo.insert", err)
	}
	return nil
}

func (c *mongoConn) EnsureSchema(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName(emailIndexName),
	}
	if _, err := c.coll.Indexes().CreateOne(ctx, model); err != nil {
		return classifyMongo("mongo.create_index", err)
	}
	return nil
}

// classifyMongo maps driver errors onto apperr kinds. Order matters: a
// duplicate key is a write error, and server selection failures often wrap
// network errors.
func classifyMongo(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		sse    topology.ServerSelectionError
		netErr net.Error
	)

	switch {
	case mongo.IsDuplicateKeyError(err):
		return apperr.E(apperr.Duplicate, op, err)
	case errors.Is(err, mongo.ErrUnacknowledgedWrite):
		return apperr.E(apperr.Insert, op, err)
	case errors.As(err, &sse):
		return apperr.E(apperr.ServerSelection, op, err)
	case mongo.IsNetworkError(err):
		return apperr.E(apperr.Network, op, err)
	case mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return apperr.E(apperr.ServerSelection, op, err)
	case errors.As(err, &netErr):
		return apperr.E(apperr.Network, op, err)
	default:
		return apperr.E(apperr.Internal, op, err)
	}
}

type ipv4Dialer struct {
	net.Dialer
}

func (d *ipv4Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp6":
		network = "tcp4"
	}
	return d.Dialer.DialContext(ctx, network, address)
}
