// Package storage opens the collections that back linked storages on a
// backend server.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/storagelink/internal/record"
	"github.com/loykin/storagelink/internal/registry"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	databasePrefix   = "StorageLink-"
	collectionPrefix = "LinkedCollection-"

	DefaultConnectTimeout = 10 * time.Second
)

// DatabaseName returns the database holding the linked collection of a backend.
func DatabaseName(hash string) string { return databasePrefix + hash }

// CollectionName returns the linked collection name of a backend.
func CollectionName(hash string) string { return collectionPrefix + hash }

// Options configure a Client.
type Options struct {
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Client keeps one driver client per backend host:port.
type Client struct {
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	clients map[string]*mongo.Client
}

func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{timeout: opts.ConnectTimeout, log: log, clients: make(map[string]*mongo.Client)}
}

func (c *Client) client(host string, port int) (*mongo.Client, error) {
	key := record.HostPort(host, port)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl, nil
	}
	opts := options.Client().
		SetHosts([]string{key}).
		SetDirect(true).
		SetConnectTimeout(c.timeout).
		SetServerSelectionTimeout(c.timeout)
	cl, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", key, err)
	}
	c.clients[key] = cl
	return cl, nil
}

// OpenCollection returns the storage for the backend identified by hash on
// host:port. The handle is lazy; no round trip is made.
func (c *Client) OpenCollection(host string, port int, hash string) (*registry.StorageInfo, error) {
	if hash == "" {
		return nil, errors.New("storage: empty backend hash")
	}
	cl, err := c.client(host, port)
	if err != nil {
		return nil, err
	}
	coll := cl.Database(DatabaseName(hash)).Collection(CollectionName(hash))
	return &registry.StorageInfo{
		ID:       hash,
		Name:     coll.Name(),
		LinkName: DatabaseName(hash),
		Handle:   coll,
	}, nil
}

// Ping checks that the backend on host:port answers. It has the signature of
// a backend readiness probe.
func (c *Client) Ping(ctx context.Context, host string, port int) error {
	cl, err := c.client(host, port)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := cl.Ping(pctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping %s: %w", record.HostPort(host, port), err)
	}
	return nil
}

// Close disconnects every client.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]*mongo.Client)
	c.mu.Unlock()
	var errs []error
	for key, cl := range clients {
		if err := cl.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
