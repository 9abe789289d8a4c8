package stores

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig holds etcd store configuration
type EtcdConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// EtcdStore implements the KV interface on top of an etcd v3 cluster
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore connects to the configured etcd endpoints.
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}

	// Set defaults
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &EtcdStore{client: client}, nil
}

// NewEtcdStoreFromClient wraps an existing etcd client.
func NewEtcdStoreFromClient(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

// Read returns the value stored under key
func (s *EtcdStore) Read(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return resp.Kvs[0].Value, nil
}

// Write stores value under key
func (s *EtcdStore) Write(ctx context.Context, key string, value []byte) error {
	if _, err := s.client.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// Delete removes key and, when recursive, everything below it
func (s *EtcdStore) Delete(ctx context.Context, key string, recursive bool) error {
	if _, err := s.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	if recursive {
		if _, err := s.client.Delete(ctx, dirPrefix(key), clientv3.WithPrefix()); err != nil {
			return fmt.Errorf("failed to delete children of %s: %w", key, err)
		}
	}

	return nil
}

// List returns the direct children of prefix
func (s *EtcdStore) List(ctx context.Context, prefix string) ([]Node, error) {
	resp, err := s.client.Get(ctx, dirPrefix(prefix),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}

	return collectChildren(prefix, nodesFromKVs(resp.Kvs)), nil
}

// HealthCheck verifies the cluster answers a read
func (s *EtcdStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.Get(ctx, "health", clientv3.WithCountOnly()); err != nil {
		return fmt.Errorf("etcd health check failed: %w", err)
	}
	return nil
}

// Close closes the etcd client
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func nodesFromKVs(kvs []*mvccpb.KeyValue) []Node {
	nodes := make([]Node, 0, len(kvs))
	for _, kv := range kvs {
		nodes = append(nodes, Node{Key: string(kv.Key), Value: kv.Value})
	}
	return nodes
}
