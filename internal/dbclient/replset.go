package dbclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// ReconfigReplSet initializes or reconfigures a single-member replica set
// so its member host matches hostPort. After a crash the node comes back
// on a different port pairing and will not step up as primary on its own,
// so reconfig always forces.
func (c *Client) ReconfigReplSet(ctx context.Context, hostPort, replSet string) error {
	slog.Info("reconfiguring replication", "hostPort", hostPort, "replSet", replSet)
	local := c.mc.Database("local").Collection("system.replset")
	err := local.FindOne(ctx, bson.D{}).Err()
	switch {
	case err == mongo.ErrNoDocuments:
		cfg := bson.D{
			{Key: "_id", Value: replSet},
			{Key: "members", Value: bson.A{
				bson.D{{Key: "_id", Value: 0}, {Key: "host", Value: hostPort}},
			}},
		}
		res, err := c.RunAdminCommand(ctx, bson.D{{Key: "replSetInitiate", Value: cfg}})
		if err != nil {
			return fmt.Errorf("replSetInitiate: %w", err)
		}
		slog.Info("replication initialized", "result", res)
	case err != nil:
		return err
	default:
		res, err := c.RunAdminCommand(ctx, bson.D{{Key: "replSetGetConfig", Value: 1}})
		if err != nil {
			return fmt.Errorf("replSetGetConfig: %w", err)
		}
		cfg, ok := res["config"].(bson.M)
		if !ok {
			return fmt.Errorf("replSetGetConfig returned no config: %v", res)
		}
		members, _ := cfg["members"].(bson.A)
		if len(members) == 0 {
			return fmt.Errorf("replica set config has no members: %v", cfg)
		}
		member, _ := members[0].(bson.M)
		if member["host"] != hostPort {
			member["host"] = hostPort
			// force=true because the node is not primary; version is
			// ignored under force.
			res, err = c.RunAdminCommand(ctx, bson.D{
				{Key: "replSetReconfig", Value: cfg},
				{Key: "force", Value: true},
			})
			if err != nil {
				return fmt.Errorf("replSetReconfig: %w", err)
			}
			slog.Info("replication reconfigured", "result", res)
		}
	}
	if !c.WaitForPrimary(ctx, time.Minute, 3*time.Second) {
		return fmt.Errorf("no primary available in replica set %s", replSet)
	}
	return nil
}

// WaitForPrimary polls isMaster until the node reports primary or the
// timeout passes.
func (c *Client) WaitForPrimary(ctx context.Context, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		res, err := c.RunAdminCommand(ctx, bson.D{{Key: "isMaster", Value: 1}})
		if err == nil {
			if is, _ := res["ismaster"].(bool); is {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}
