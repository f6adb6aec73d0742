package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pos/internal/app"
	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	_ "github.com/odyssey-erp/odyssey-pos/testing"
)

func memoryEnvironment(t *testing.T, portalURL string) (Environment, *inventory.MemoryStore) {
	t.Helper()
	store := inventory.NewMemoryStore()
	env := Environment{
		LoadConfig: func() (*app.Config, error) {
			return &app.Config{
				LedgerBackend:   app.LedgerMemory,
				LogFormat:       "json",
				POSAPIKey:       "pos-secret",
				PortalURL:       portalURL,
				PortalAPIKey:    "portal-secret",
				PortalTimeout:   time.Second,
				SyncMaxAttempts: 3,
				SyncBackoffBase: time.Second,
				SyncBackoffMax:  time.Minute,
			}, nil
		},
		OpenStores: func(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*app.Stores, error) {
			return &app.Stores{Ledger: store, Outbox: store, Audit: shared.NewSlogAuditor(logger)}, nil
		},
	}
	return env, store
}

func execute(t *testing.T, env Environment, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommandWith(env)
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "odyssey", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "status"},
		{"seed"},
		{"sync", "dead-letters"},
		{"sync", "pending"},
		{"sync", "requeue"},
		{"sync", "relay"},
		{"jobs", "trigger"},
		{"jobs", "stats"},
	}
	for _, path := range paths {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormatRejected(t *testing.T) {
	env, _ := memoryEnvironment(t, "http://portal.invalid")
	_, _, err := execute(t, env, "seed", "--format", "xml")
	require.ErrorContains(t, err, "invalid format")
}

func TestSeedLoadsDemoInventory(t *testing.T) {
	env, store := memoryEnvironment(t, "http://portal.invalid")

	stdout, _, err := execute(t, env, "seed", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string             `json:"status"`
		Data   []inventory.Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, len(DemoInventory))

	rec, err := store.Get(context.Background(), inventory.Key{ProductID: "PROD003", VendorID: "VENDOR003"})
	require.NoError(t, err)
	assert.EqualValues(t, 50, rec.QuantityAvailable)

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(DemoInventory), counts[inventory.SyncPending])

	_, _, err = execute(t, env, "seed")
	require.NoError(t, err)
	rec, err = store.Get(context.Background(), inventory.Key{ProductID: "PROD003", VendorID: "VENDOR003"})
	require.NoError(t, err)
	assert.EqualValues(t, 50, rec.QuantityAvailable)
}

func TestSyncRelayDeadLettersAndRequeue(t *testing.T) {
	var accept atomic.Bool
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(portal.Close)
	env, store := memoryEnvironment(t, portal.URL)

	_, _, err := execute(t, env, "seed")
	require.NoError(t, err)

	stdout, _, err := execute(t, env, "sync", "relay", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"Dead":6`)

	stdout, _, err = execute(t, env, "sync", "dead-letters", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data []inventory.SyncEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Len(t, resp.Data, 6)

	accept.Store(true)
	stdout, _, err = execute(t, env, "sync", "requeue", resp.Data[0].ID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "requeued "+resp.Data[0].ID)

	_, _, err = execute(t, env, "sync", "relay")
	require.NoError(t, err)
	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[inventory.SyncDelivered])
	assert.Equal(t, 5, counts[inventory.SyncDead])
}

func TestSyncRequeueUnknownEvent(t *testing.T) {
	env, _ := memoryEnvironment(t, "http://portal.invalid")
	_, stderr, err := execute(t, env, "sync", "requeue", "0b6f3c57-8d55-4a8f-8c4e-1d3a1f0e9a11")
	require.Error(t, err)
	assert.True(t, errors.Is(err, inventory.ErrEventNotFound))
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stderr, "requeue")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	env, _ := memoryEnvironment(t, "http://portal.invalid")
	_, _, err := execute(t, env, "migrate", "up")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigErrorUsesCommandExitCode(t *testing.T) {
	env := Environment{
		LoadConfig: func() (*app.Config, error) { return nil, errors.New("required key POS_API_KEY missing value") },
	}
	_, stderr, err := execute(t, env, "seed")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "POS_API_KEY")
}

func TestJobsTriggerRejectsUnknownJob(t *testing.T) {
	jobsCLI, err := NewJobsCLI("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobsCLI.Close() })

	_, err = jobsCLI.Trigger(context.Background(), "mail:send")
	require.ErrorContains(t, err, "unsupported job")
}

func TestServeSkipsInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	env, _ := memoryEnvironment(t, "http://portal.invalid")
	_, _, err := execute(t, env, "serve", "--inprocess-relay")
	require.NoError(t, err)
}
