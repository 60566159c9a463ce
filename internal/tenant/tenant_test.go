// Copyright 2025 James Ross
package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/jmoiron/sqlx"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestTierCachesBetweenLookups(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT tier FROM tenants").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow(string(store.TierPremium)))

	c := NewCache(db, time.Minute)
	ctx := context.Background()

	tier, err := c.Tier(ctx, "t1")
	if err != nil {
		t.Fatalf("Tier: %v", err)
	}
	if tier != store.TierPremium {
		t.Fatalf("expected premium, got %s", tier)
	}

	// Second lookup must be served from cache; sqlmock would fail the test
	// if a second query were issued since only one expectation was set.
	tier2, err := c.Tier(ctx, "t1")
	if err != nil {
		t.Fatalf("Tier (cached): %v", err)
	}
	if tier2 != store.TierPremium {
		t.Fatalf("expected cached premium, got %s", tier2)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT tier FROM tenants").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow(string(store.TierFree)))
	mock.ExpectQuery("SELECT tier FROM tenants").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow(string(store.TierEnterprise)))

	c := NewCache(db, time.Minute)
	ctx := context.Background()

	if _, err := c.Tier(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("t1")

	tier, err := c.Tier(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if tier != store.TierEnterprise {
		t.Fatalf("expected enterprise after invalidation, got %s", tier)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
