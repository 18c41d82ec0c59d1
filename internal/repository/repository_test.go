package repository

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordRisk/internal/domain/models"
	domrepo "CoordRisk/internal/domain/repository"
	"CoordRisk/internal/services/calibration"
	"CoordRisk/pkg/cache"
	"CoordRisk/pkg/frame"
	pkgkafka "CoordRisk/pkg/kafka"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*CHWindowStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewCHWindowStore(db, "market.venue_prices", nil)
	require.NoError(t, err)
	return s, mock
}

func TestLoadWindowPivotsRows(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"venue", "t", "price"}).
		AddRow("binance", t0, 100.0).
		AddRow("kraken", t0, 100.5).
		AddRow("binance", t0.Add(time.Minute), 101.0).
		AddRow("coinbase", t0.Add(time.Minute), 99.0)
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT venue, t, price FROM market.venue_prices WHERE market = ? AND t >= ? AND t < ? AND venue IN (?, ?) ORDER BY t ASC")).
		WithArgs("btc", t0, t0.Add(time.Hour), "binance", "kraken").
		WillReturnRows(rows)

	f, err := s.LoadWindow(context.Background(), "btc", []string{"binance", "kraken"}, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, []string{"binance_price", "kraken_price"}, f.Columns())
	assert.Equal(t, 2, f.Len())
	assert.Equal(t, []time.Time{t0, t0.Add(time.Minute)}, f.Index())
	kraken, err := f.Column("kraken_price")
	require.NoError(t, err)
	assert.Equal(t, 100.5, kraken[0])
	assert.True(t, math.IsNaN(kraken[1]))
}

func TestLoadWindowDiscoversVenues(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE market = ? AND t >= ? AND t < ? ORDER BY t ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"venue", "t", "price"}).
			AddRow("kraken", t0, 1.0).
			AddRow("binance", t0, 2.0))

	f, err := s.LoadWindow(context.Background(), "btc", nil, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"binance_price", "kraken_price"}, f.Columns())
}

func TestLoadWindowErrors(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT venue").WillReturnRows(sqlmock.NewRows([]string{"venue", "t", "price"}))
	_, err := s.LoadWindow(context.Background(), "btc", nil, t0, t0.Add(time.Hour))
	assert.ErrorIs(t, err, domrepo.ErrWindowNotFound)

	mock.ExpectQuery("SELECT venue").WillReturnError(errors.New("connection reset"))
	_, err = s.LoadWindow(context.Background(), "btc", nil, t0, t0.Add(time.Hour))
	assert.ErrorContains(t, err, "connection reset")

	_, err = NewCHWindowStore(nil, "prices; DROP TABLE x", nil)
	assert.Error(t, err)
}

func TestEnsureSchemaAndInsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS market.venue_prices").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO market.venue_prices (market, venue, t, price) VALUES (?, ?, ?, ?),(?, ?, ?, ?)")).
		WithArgs("btc", "binance", t0, 100.0, "btc", "kraken", t0, 101.0).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.InsertPrices(context.Background(), []models.PricePoint{
		{Market: "btc", Venue: "binance", Time: t0, Price: 100},
		{Market: "btc", Venue: "bad", Time: t0, Price: math.NaN()},
		{Market: "btc", Venue: "kraken", Time: t0, Price: 101},
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

type flakyStore struct {
	err   error
	calls int
}

func (s *flakyStore) LoadWindow(context.Context, string, []string, time.Time, time.Time) (*frame.Frame, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return frame.MustNew(nil, []string{"a_price", "b_price"}, [][]float64{{1}, {2}}), nil
}

func TestBreakerWindowStoreTrips(t *testing.T) {
	inner := &flakyStore{err: errors.New("timeout")}
	b := NewBreakerWindowStore(inner, BreakerSettings{FailureThreshold: 2, Timeout: time.Hour}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.LoadWindow(ctx, "btc", nil, t0, t0)
		assert.Error(t, err)
	}
	assert.Equal(t, "open", b.State())
	_, err := b.LoadWindow(ctx, "btc", nil, t0, t0)
	assert.Error(t, err)
	assert.Equal(t, 2, inner.calls, "open breaker short-circuits")
}

func TestBreakerIgnoresMissingWindows(t *testing.T) {
	inner := &flakyStore{err: domrepo.ErrWindowNotFound}
	b := NewBreakerWindowStore(inner, BreakerSettings{FailureThreshold: 1}, nil)
	for i := 0; i < 3; i++ {
		_, err := b.LoadWindow(context.Background(), "btc", nil, t0, t0)
		assert.ErrorIs(t, err, domrepo.ErrWindowNotFound)
	}
	assert.Equal(t, "closed", b.State())

	inner.err = nil
	f, err := b.LoadWindow(context.Background(), "btc", nil, t0, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Len())
}

func sampleCalibrator(t *testing.T) (*calibration.Calibrator, calibration.Key) {
	t.Helper()
	c := &calibration.Calibrator{
		Method:  calibration.MethodIsotonic,
		Mapping: &calibration.IsotonicModel{X: []float64{0.1, 0.9}, Y: []float64{0, 1}},
	}
	key, err := calibration.NewKey("btc", t0)
	require.NoError(t, err)
	return c, key
}

func TestCacheCalibratorStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewCacheCalibratorStore(cache.NewRedisCacheWithClient(client, "coordrisk"), 0)
	ctx := context.Background()

	c, key := sampleCalibrator(t)
	_, err := calibration.LoadCalibrator(ctx, s, "btc", t0)
	assert.ErrorIs(t, err, calibration.ErrCalibratorNotFound)

	require.NoError(t, calibration.SaveCalibrator(ctx, s, "btc", t0, c))
	assert.True(t, mr.Exists("coordrisk:calibrator:btc/202503"))
	assert.False(t, mr.Exists("coordrisk:lock:calibrator:btc/202503"), "lock released")

	got, err := calibration.LoadCalibrator(ctx, s, "btc", t0)
	require.NoError(t, err)
	assert.InDelta(t, c.Transform(0.5), got.Transform(0.5), 1e-12)

	require.NoError(t, mr.Set("coordrisk:lock:calibrator:btc/202503", "locked"))
	assert.ErrorIs(t, s.Put(ctx, key, []byte("{}")), ErrStoreBusy)
}

func TestReadThroughCalibratorStore(t *testing.T) {
	ctx := context.Background()
	primary := calibration.NewFileStore(t.TempDir())
	mem := cache.NewMemoryCache(cache.WithMemoryCleanup(0))
	defer mem.Close()
	s := NewReadThroughCalibratorStore(primary, mem, time.Minute)

	c, key := sampleCalibrator(t)
	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, calibration.ErrCalibratorNotFound)
	assert.Equal(t, 0, mem.Len(), "misses are not cached")

	require.NoError(t, calibration.SaveCalibrator(ctx, primary, "btc", t0, c))
	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Len())

	// served from cache even if the file changes
	require.NoError(t, primary.Put(ctx, key, []byte(`{"method":"platt","a":1,"b":0,"lr":0.1}`)))
	cached, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, cached)

	require.NoError(t, s.Put(ctx, key, []byte(`{"method":"platt","a":2,"b":0,"lr":0.1}`)))
	fresh, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, string(fresh), `"a":2`)
}

type captureProducer struct {
	topic string
	msgs  []pkgkafka.Message
}

func (p *captureProducer) PublishBatch(_ context.Context, topic string, msgs []pkgkafka.Message) error {
	p.topic = topic
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *captureProducer) Close() error { return nil }

func TestKafkaResultPublisher(t *testing.T) {
	cp := &captureProducer{}
	p := &KafkaResultPublisher{producer: cp, topic: "results"}
	r := &models.AnalysisResult{RunID: "run-1", RequestID: "req-1", Market: "btc", RawConfidence: 0.4}

	require.NoError(t, p.PublishBatch(context.Background(), []*models.AnalysisResult{r, nil}))
	require.Len(t, cp.msgs, 1)
	assert.Equal(t, "results", cp.topic)
	assert.Equal(t, "btc", string(cp.msgs[0].Key))
	assert.Equal(t, "req-1", cp.msgs[0].Headers["trace_id"])

	b, err := pkgkafka.Encode(cp.msgs[0].Value)
	require.NoError(t, err)
	var decoded models.AnalysisResult
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
}
