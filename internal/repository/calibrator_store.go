package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	domrepo "CoordRisk/internal/domain/repository"
	"CoordRisk/internal/services/calibration"
	"CoordRisk/pkg/cache"
)

// ErrStoreBusy is returned when another writer holds the calibrator lock.
var ErrStoreBusy = errors.New("calibrator store: concurrent write in progress")

// CacheCalibratorStore keeps encoded calibrators in a cache.Service, normally Redis.
// Writes to one key are serialised with a short lock. A zero ttl keeps entries forever.
type CacheCalibratorStore struct {
	cache   cache.Service
	ttl     time.Duration
	lockTTL time.Duration
}

var _ domrepo.CalibratorStore = (*CacheCalibratorStore)(nil)

func NewCacheCalibratorStore(c cache.Service, ttl time.Duration) *CacheCalibratorStore {
	return &CacheCalibratorStore{cache: c, ttl: ttl, lockTTL: 10 * time.Second}
}

func calibratorKey(key calibration.Key) string {
	return cache.GenerateKey("calibrator", key.String())
}

func (s *CacheCalibratorStore) Put(ctx context.Context, key calibration.Key, data []byte) error {
	lock := "lock:" + calibratorKey(key)
	ok, err := s.cache.TryLock(ctx, lock, s.lockTTL)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreBusy, key)
	}
	defer func() { _ = s.cache.Unlock(context.WithoutCancel(ctx), lock) }()
	return s.cache.Set(ctx, calibratorKey(key), data, s.ttl)
}

func (s *CacheCalibratorStore) Get(ctx context.Context, key calibration.Key) ([]byte, error) {
	var data []byte
	if err := s.cache.Get(ctx, calibratorKey(key), &data); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, calibration.ErrCalibratorNotFound
		}
		return nil, err
	}
	return data, nil
}

// ReadThroughCalibratorStore fronts a durable store with a cache. Only hits are cached, so a
// calibrator trained after a miss is visible on the next read.
type ReadThroughCalibratorStore struct {
	primary calibration.Store
	cache   cache.Service
	ttl     time.Duration
}

var _ domrepo.CalibratorStore = (*ReadThroughCalibratorStore)(nil)

func NewReadThroughCalibratorStore(primary calibration.Store, c cache.Service, ttl time.Duration) *ReadThroughCalibratorStore {
	return &ReadThroughCalibratorStore{primary: primary, cache: c, ttl: ttl}
}

func (s *ReadThroughCalibratorStore) Put(ctx context.Context, key calibration.Key, data []byte) error {
	if err := s.primary.Put(ctx, key, data); err != nil {
		return err
	}
	return s.cache.Set(ctx, calibratorKey(key), data, s.ttl)
}

func (s *ReadThroughCalibratorStore) Get(ctx context.Context, key calibration.Key) ([]byte, error) {
	var data []byte
	err := s.cache.Get(ctx, calibratorKey(key), &data)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, err
	}
	data, err = s.primary.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, calibratorKey(key), data, s.ttl)
	return data, nil
}
