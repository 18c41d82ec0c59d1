package calibration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"CoordRisk/pkg/util"
)

var (
	ErrCalibratorNotFound = errors.New("calibration: calibrator not found")
	ErrInvalidKey         = errors.New("calibration: invalid market key")
)

// Key addresses a calibrator by market and YYYYMM period.
type Key struct {
	Market string
	Period string
}

// NewKey validates market and derives the period from date.
func NewKey(market string, date time.Time) (Key, error) {
	market = strings.TrimSpace(market)
	if market == "" || strings.ContainsAny(market, `/\:`) || strings.HasPrefix(market, ".") {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, market)
	}
	return Key{Market: market, Period: util.PeriodKey(date)}, nil
}

func (k Key) String() string { return k.Market + "/" + k.Period }

// Store persists encoded calibrators. Implementations return ErrCalibratorNotFound for
// unknown keys.
type Store interface {
	Put(ctx context.Context, key Key, data []byte) error
	Get(ctx context.Context, key Key) ([]byte, error)
}

// SaveCalibrator encodes c and writes it under (market, date).
func SaveCalibrator(ctx context.Context, s Store, market string, date time.Time, c *Calibrator) error {
	key, err := NewKey(market, date)
	if err != nil {
		return err
	}
	data, err := Encode(c)
	if err != nil {
		return fmt.Errorf("encode calibrator %s: %w", key, err)
	}
	if err := s.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save calibrator %s: %w", key, err)
	}
	return nil
}

// LoadCalibrator reads and decodes the calibrator stored under (market, date).
func LoadCalibrator(ctx context.Context, s Store, market string, date time.Time) (*Calibrator, error) {
	key, err := NewKey(market, date)
	if err != nil {
		return nil, err
	}
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load calibrator %s: %w", key, err)
	}
	c, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode calibrator %s: %w", key, err)
	}
	return c, nil
}

// FileStore keeps calibrators at <dir>/<market>/<YYYYMM>.json.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) *FileStore { return &FileStore{dir: dir} }

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.dir, key.Market, key.Period+".json")
}

// Put writes through a temp file in the target directory and renames it into place.
func (s *FileStore) Put(ctx context.Context, key Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".calibrator-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (s *FileStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCalibratorNotFound, key)
	}
	return data, err
}
