package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrNoStorage is returned when no storage matches a descriptor.
	ErrNoStorage = errors.New("no storage for collection")
	// ErrStorageTimeout is returned when a storage did not materialise
	// within the poll bounds.
	ErrStorageTimeout = errors.New("timed out waiting for storage")
)

// CollectionDescriptor names the storage a command wants. Storage wins over
// StorageName, which wins over StorageID.
type CollectionDescriptor struct {
	Storage     *StorageInfo
	StorageName string
	StorageID   string
}

// Poll bounds AwaitStorage.
type Poll struct {
	Interval    time.Duration
	MaxWait     time.Duration
	MaxAttempts uint64 // 0 means bounded by MaxWait only
}

// DefaultPoll re-checks once a second for up to 30 seconds.
var DefaultPoll = Poll{Interval: time.Second, MaxWait: 30 * time.Second}

// AddStorage caches info on server under StorageKey(info.Name, backendID).
// If the key is already present the cached entry is returned unchanged.
func (r *Registry) AddStorage(server *ServerEntry, backendID string, info *StorageInfo) *StorageInfo {
	key := StorageKey(info.Name, backendID)
	server.mu.Lock()
	defer server.mu.Unlock()
	if cur, ok := server.storages[key]; ok {
		return cur
	}
	server.storages[key] = info
	if _, ok := server.byName[info.Name]; !ok {
		server.byName[info.Name] = info
	}
	return info
}

// ResolveStorage finds the storage for desc on server. Entries whose handle
// has not been opened yet are not returned.
func (r *Registry) ResolveStorage(server *ServerEntry, desc CollectionDescriptor) (*StorageInfo, error) {
	if desc.Storage != nil && desc.Storage.Handle != nil {
		return desc.Storage, nil
	}
	server.mu.RLock()
	defer server.mu.RUnlock()
	if desc.StorageName != "" {
		if s, ok := server.byName[desc.StorageName]; ok && s.Handle != nil {
			return s, nil
		}
	}
	if desc.StorageID != "" {
		for _, s := range server.storages {
			if s.ID == desc.StorageID && s.Handle != nil {
				return s, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoStorage, server.Key())
}

// AwaitStorage re-checks ResolveStorage at a fixed interval until it
// succeeds, the poll bounds are exhausted or ctx is done.
func (r *Registry) AwaitStorage(ctx context.Context, server *ServerEntry, desc CollectionDescriptor, p Poll) (*StorageInfo, error) {
	if p.Interval <= 0 {
		p.Interval = DefaultPoll.Interval
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultPoll.MaxWait
	}
	pctx, cancel := context.WithTimeout(ctx, p.MaxWait)
	defer cancel()

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts)
	}
	b = backoff.WithContext(b, pctx)

	info, err := backoff.RetryWithData(func() (*StorageInfo, error) {
		s, err := r.ResolveStorage(server, desc)
		if err != nil && !errors.Is(err, ErrNoStorage) {
			return nil, backoff.Permanent(err)
		}
		return s, err
	}, b)
	if err == nil {
		return info, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, ErrNoStorage) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s after %s", ErrStorageTimeout, server.Key(), p.MaxWait)
	}
	return nil, err
}
