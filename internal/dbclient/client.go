// Package dbclient is the harness's boundary to the database server: admin
// commands, canary writes with a journaled write guarantee, and the seed
// workload. Everything else about the server's wire protocol belongs to
// the driver.
package dbclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"gopkg.in/yaml.v3"
)

// Options configure one client connection.
type Options struct {
	Host             string
	Port             int
	WriteConcern     string // YAML fragment, e.g. "{w: majority}"
	ReadConcernLevel string
	SelectionTimeout time.Duration
	SocketTimeout    time.Duration
}

// Client wraps the driver client with the few calls the harness needs.
type Client struct {
	mc *mongo.Client
}

// Connect dials host:port. Timeouts default to one hour: the server may be
// replaying a journal after a crash and must be given time to answer.
func Connect(ctx context.Context, o Options) (*Client, error) {
	if o.SelectionTimeout == 0 {
		o.SelectionTimeout = time.Hour
	}
	if o.SocketTimeout == 0 {
		o.SocketTimeout = time.Hour
	}
	opts := options.Client().
		SetHosts([]string{fmt.Sprintf("%s:%d", o.Host, o.Port)}).
		SetDirect(true).
		SetServerSelectionTimeout(o.SelectionTimeout).
		SetSocketTimeout(o.SocketTimeout)
	if o.WriteConcern != "" {
		wc, err := parseWriteConcern(o.WriteConcern)
		if err != nil {
			return nil, err
		}
		opts = opts.SetWriteConcern(wc)
	}
	if o.ReadConcernLevel != "" {
		opts = opts.SetReadConcern(readConcern(o.ReadConcernLevel))
	}
	mc, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc}, nil
}

func (c *Client) Close(ctx context.Context) error { return c.mc.Disconnect(ctx) }

// parseWriteConcern turns a YAML fragment like "{w: majority, j: true}"
// into a driver write concern.
func parseWriteConcern(frag string) (*writeconcern.WriteConcern, error) {
	var m map[string]interface{}
	if err := yaml.Unmarshal([]byte(frag), &m); err != nil {
		return nil, fmt.Errorf("invalid write concern %q: %w", frag, err)
	}
	wc := &writeconcern.WriteConcern{}
	if w, ok := m["w"]; ok {
		wc.W = w
	}
	if j, ok := m["j"].(bool); ok {
		wc.Journal = &j
	}
	return wc, nil
}

func readConcern(level string) *readconcern.ReadConcern {
	switch strings.ToLower(level) {
	case "majority":
		return readconcern.Majority()
	case "linearizable":
		return readconcern.Linearizable()
	case "available":
		return readconcern.Available()
	case "snapshot":
		return readconcern.Snapshot()
	default:
		return readconcern.Local()
	}
}

// RunAdminCommand runs cmd against the admin database.
func (c *Client) RunAdminCommand(ctx context.Context, cmd interface{}) (bson.M, error) {
	var out bson.M
	err := c.mc.Database("admin").RunCommand(ctx, cmd).Decode(&out)
	return out, err
}

// WaitForServer retries buildinfo until the server answers, bounded by
// attempts. A freshly started server may still be recovering and refuse
// connections for a while.
func (c *Client) WaitForServer(ctx context.Context, attempts int) (bson.M, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		info, err := c.RunAdminCommand(ctx, bson.D{{Key: "buildinfo", Value: 1}})
		if err == nil {
			return info, nil
		}
		lastErr = err
		time.Sleep(time.Second)
	}
	return nil, fmt.Errorf("server did not answer buildinfo: %w", lastErr)
}

// InsertCanary inserts doc with a journaled write guarantee. The document
// must be on disk before the crash for its survival to mean anything.
func (c *Client) InsertCanary(ctx context.Context, db, coll string, doc interface{}) error {
	j := true
	col := c.mc.Database(db).Collection(coll,
		options.Collection().SetWriteConcern(&writeconcern.WriteConcern{Journal: &j}))
	slog.Info("inserting canary document", "db", db, "collection", coll)
	res, err := col.InsertOne(ctx, doc)
	if err != nil {
		return err
	}
	if res.InsertedID == nil {
		return errors.New("canary insert returned no id")
	}
	return nil
}

// FindCanary reports whether the exact canary document is present.
func (c *Client) FindCanary(ctx context.Context, db, coll string, doc interface{}) (bool, error) {
	slog.Info("validating canary document", "db", db, "collection", coll)
	err := c.mc.Database(db).Collection(coll).FindOne(ctx, doc).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SeedDocs fills db.coll with random documents up to num, in bulk chunks,
// skipping work already done by a previous loop.
func (c *Client) SeedDocs(ctx context.Context, db, coll string, num int) error {
	col := c.mc.Database(db).Collection(coll)
	existing, err := col.CountDocuments(ctx, bson.D{})
	if err != nil {
		return err
	}
	slog.Info("seeding collection", "db", db, "collection", coll, "want", num, "existing", existing)
	bulk := num
	if bulk > 10000 {
		bulk = 10000
	}
	for existing < int64(num) {
		docs := make([]interface{}, 0, bulk)
		for i := 0; i < bulk; i++ {
			docs = append(docs, bson.D{
				{Key: "x", Value: rand.Intn(100000)},
				{Key: "doc", Value: randString(1024)},
			})
		}
		if _, err := col.InsertMany(ctx, docs); err != nil {
			return err
		}
		existing, err = col.CountDocuments(ctx, bson.D{})
		if err != nil {
			return err
		}
	}
	slog.Info("collection seeded", "db", db, "collection", coll, "count", existing)
	return nil
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randString(maxLen int) string {
	n := 1 + rand.Intn(maxLen)
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// SetFCV sets the feature compatibility version.
func (c *Client) SetFCV(ctx context.Context, version string) error {
	res, err := c.RunAdminCommand(ctx, bson.D{
		{Key: "setFeatureCompatibilityVersion", Value: version},
		{Key: "confirm", Value: true},
	})
	if err != nil {
		return err
	}
	if ok, _ := res["ok"].(float64); ok != 1 {
		return fmt.Errorf("setFeatureCompatibilityVersion failed: %v", res)
	}
	return nil
}

// Shutdown asks the server to stop via the wire protocol. The connection
// dying mid-command is the expected outcome.
func (c *Client) Shutdown(ctx context.Context) {
	_, err := c.RunAdminCommand(ctx, bson.D{
		{Key: "shutdown", Value: 1},
		{Key: "force", Value: true},
	})
	if err != nil {
		slog.Debug("shutdown command returned", "error", err)
	}
}
