// Copyright 2025 James Ross
package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
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

func TestBulkUpsertBatches(t *testing.T) {
	db, mock := newMockDB(t)
	rows := make([]Row, 0, 150)
	for i := 0; i < 150; i++ {
		rows = append(rows, Row{"tenant_id": "t1", "integration_id": "i1", "external_id": i})
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO work_items")).
		WillReturnResult(sqlmock.NewResult(0, 100))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO work_items")).
		WillReturnResult(sqlmock.NewResult(0, 50))

	n, err := BulkUpsert(context.Background(), db, "work_items", rows, 100, nil)
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if n != 150 {
		t.Fatalf("expected 150 affected rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimRawRowNoRows(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE raw_extraction_data")).
		WithArgs("raw-1").
		WillReturnRows(sqlmock.NewRows(nil))

	row, err := ClaimRawRow(context.Background(), db, "raw-1")
	if err != nil {
		t.Fatalf("ClaimRawRow: %v", err)
	}
	if row != nil {
		t.Fatalf("expected nil row when another worker already claimed it, got %+v", row)
	}
}
