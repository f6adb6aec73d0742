package inventory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// setupPostgres starts one container per test binary and applies migrations.
// Each test gets a fresh pool and truncated tables.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	pgOnce.Do(func() {
		pgDSN, pgErr = startPostgres()
	})
	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.New(ctx, pgDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE inventory_records, sync_events, audit_logs`)
	require.NoError(t, err)
	return pool
}

func startPostgres() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "odyssey",
				"POSTGRES_PASSWORD": "odyssey",
				"POSTGRES_DB":       "odyssey_pos",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("mapped port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://odyssey:odyssey@%s:%s/odyssey_pos?sslmode=disable", host, port.Port())

	pool, err := db.New(ctx, dsn)
	if err != nil {
		return "", err
	}
	defer pool.Close()
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()
	if _, err := db.MigrateDB(ctx, sqlDB); err != nil {
		return "", err
	}
	return dsn, nil
}

func newEvent(key inventory.Key, kind inventory.MutationKind, qty int64, at time.Time) *inventory.SyncEvent {
	return &inventory.SyncEvent{
		ID:         uuid.NewString(),
		ProductID:  key.ProductID,
		VendorID:   key.VendorID,
		Kind:       kind,
		Quantity:   qty,
		OccurredAt: at,
	}
}

func TestRepositoryConcurrentConsume(t *testing.T) {
	pool := setupPostgres(t)
	repo := inventory.NewRepository(pool)
	svc := inventory.NewService(repo, inventory.ServiceConfig{})
	ctx := context.Background()

	res, err := svc.Replenish(ctx, inventory.ReplenishInput{ProductID: "P1", VendorID: "V1", Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, inventory.OutcomeCreated, res.Outcome)

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Consume(ctx, inventory.ConsumeInput{ProductID: "P1", VendorID: "V1", Quantity: 1})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, inventory.ErrInsufficientStock):
				insufficient.Add(1)
			default:
				t.Errorf("consume: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, ok.Load())
	assert.EqualValues(t, 15, insufficient.Load())
	rec, err := repo.Get(ctx, inventory.Key{ProductID: "P1", VendorID: "V1"})
	require.NoError(t, err)
	assert.Zero(t, rec.QuantityAvailable)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, counts[inventory.SyncPending])
}

func TestRepositoryPortalOrderReplay(t *testing.T) {
	pool := setupPostgres(t)
	repo := inventory.NewRepository(pool)
	svc := inventory.NewService(repo, inventory.ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Replenish(ctx, inventory.ReplenishInput{ProductID: "P1", VendorID: "V1", Quantity: 15})
	require.NoError(t, err)

	first, err := svc.ApplyPortalOrder(ctx, inventory.PortalOrderInput{ProductID: "P1", VendorID: "V1", Quantity: 15, OrderID: "O1"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, first.Record.QuantityAvailable)

	second, err := svc.ApplyPortalOrder(ctx, inventory.PortalOrderInput{ProductID: "P1", VendorID: "V1", Quantity: 15, OrderID: "O1"})
	require.NoError(t, err)
	assert.Equal(t, inventory.OutcomeReplayed, second.Outcome)
	assert.Equal(t, first.Record.QuantityAvailable, second.Record.QuantityAvailable)
	assert.Equal(t, "O1", second.Record.LastOrderID)

	_, err = svc.Consume(ctx, inventory.ConsumeInput{ProductID: "P1", VendorID: "V1", Quantity: 1})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	_, err = svc.Consume(ctx, inventory.ConsumeInput{ProductID: "P2", VendorID: "V1", Quantity: 1})
	require.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestRepositoryOutboxLifecycle(t *testing.T) {
	pool := setupPostgres(t)
	repo := inventory.NewRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	a := inventory.Key{ProductID: "P1", VendorID: "V1"}
	b := inventory.Key{ProductID: "P2", VendorID: "V1"}

	a1 := newEvent(a, inventory.MutationReplenish, 5, now)
	_, err := repo.Apply(ctx, a, inventory.Mutation{Kind: inventory.MutationReplenish, Quantity: 5, At: now}, a1)
	require.NoError(t, err)
	a2 := newEvent(a, inventory.MutationConsume, 2, now)
	_, err = repo.Apply(ctx, a, inventory.Mutation{Kind: inventory.MutationConsume, Quantity: 2, At: now}, a2)
	require.NoError(t, err)
	b1 := newEvent(b, inventory.MutationCorrect, 9, now)
	_, err = repo.Apply(ctx, b, inventory.Mutation{Kind: inventory.MutationCorrect, Quantity: 9, At: now}, b1)
	require.NoError(t, err)

	claimed, err := repo.ClaimDue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, a1.ID, claimed[0].ID)
	assert.Equal(t, b1.ID, claimed[1].ID)
	assert.Equal(t, 1, claimed[0].Attempts)

	again, err := repo.ClaimDue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, repo.MarkDelivered(ctx, a1.ID, now))
	require.NoError(t, repo.MarkDead(ctx, b1.ID, "portal 422"))

	claimed, err = repo.ClaimDue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, a2.ID, claimed[0].ID)
	require.NoError(t, repo.MarkRetry(ctx, a2.ID, now.Add(time.Hour), "portal 503"))

	dead, err := repo.ListByStatus(ctx, inventory.SyncDead, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "portal 422", dead[0].LastError)

	_, err = repo.Requeue(ctx, a2.ID, now)
	require.ErrorIs(t, err, inventory.ErrEventNotDead)
	_, err = repo.Requeue(ctx, uuid.NewString(), now)
	require.ErrorIs(t, err, inventory.ErrEventNotFound)

	requeued, err := repo.Requeue(ctx, b1.ID, now)
	require.NoError(t, err)
	assert.Equal(t, inventory.SyncPending, requeued.Status)
	assert.Zero(t, requeued.Attempts)
	assert.Greater(t, requeued.Seq, claimed[0].Seq)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[inventory.SyncDelivered])
	assert.Equal(t, 2, counts[inventory.SyncPending])
	assert.Equal(t, 0, counts[inventory.SyncDead])
}

func TestRepositoryRollsBackOnCancel(t *testing.T) {
	pool := setupPostgres(t)
	repo := inventory.NewRepository(pool)
	ctx := context.Background()
	key := inventory.Key{ProductID: "P1", VendorID: "V1"}
	now := time.Now().UTC()

	_, err := repo.Apply(ctx, key, inventory.Mutation{Kind: inventory.MutationReplenish, Quantity: 3, At: now}, nil)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = repo.Apply(cancelled, key, inventory.Mutation{Kind: inventory.MutationConsume, Quantity: 1, At: now},
		newEvent(key, inventory.MutationConsume, 1, now))
	require.Error(t, err)

	rec, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.QuantityAvailable)
	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[inventory.SyncPending])
}
