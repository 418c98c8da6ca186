// Package broker carries socket deliveries and presence counts between hub
// nodes. A single node runs on Memory; several nodes share a Redis broker.
package broker

import (
	"context"
	"encoding/json"
)

// Delivery is one encoded frame addressed to a set of users, or to every
// connected user when All is set.
type Delivery struct {
	Origin  string          `json:"origin"`
	To      []int64         `json:"to,omitempty"`
	All     bool            `json:"all,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type Broker interface {
	// Publish hands d to every subscribed node.
	Publish(ctx context.Context, d Delivery) error
	// Subscribe returns the stream of deliveries published by any node. The
	// channel closes when ctx ends or the broker is closed.
	Subscribe(ctx context.Context) (<-chan Delivery, error)
	// Join records that one more node holds connections for userID and
	// returns the resulting count.
	Join(ctx context.Context, userID int64) (int64, error)
	// Leave undoes Join and returns the remaining count.
	Leave(ctx context.Context, userID int64) (int64, error)
	// Online lists users with a positive count, ascending.
	Online(ctx context.Context) ([]int64, error)
	Close() error
}
