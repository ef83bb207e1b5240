package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafline/greenledger/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"postgres://u:p@db:5432/ledger?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "ledger"}),
	)
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestAppendListOpts(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := appendListOpts(
		"SELECT * FROM trades WHERE buyer_id = $1", []any{"b1"},
		"executed_at", "executed_at DESC", domain.ListOpts{Since: &since, Limit: 10, Offset: 20},
	)
	assert.Equal(t,
		"SELECT * FROM trades WHERE buyer_id = $1 AND executed_at >= $2 ORDER BY executed_at DESC LIMIT $3 OFFSET $4",
		q,
	)
	assert.Equal(t, []any{"b1", since, 10, 20}, args)
}

func TestParseNumeric(t *testing.T) {
	d, err := parseNumeric("total", "100.50000000")
	require.NoError(t, err)
	assert.Equal(t, "100.5", d.String())

	_, err = parseNumeric("total", "NaN")
	assert.Error(t, err)
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"balances", "mints", "listings", "trades", "idempotency_keys", "audit_log"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestMigrationsAddLeaseToken(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/002_idempotency_lease_token.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "ADD COLUMN IF NOT EXISTS lease_token")
}
