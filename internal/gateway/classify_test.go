package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shuttledb/shuttle/internal/gateway"
	"github.com/shuttledb/shuttle/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorKind
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, models.KindDuplicateKey},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, models.KindMissingTable},
		{"connection failure class", &pgconn.PgError{Code: "08006"}, models.KindConnectionTransient},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, models.KindConnectionTransient},
		{"bad password", &pgconn.PgError{Code: "28P01"}, models.KindConnectionFatal},
		{"unknown database", &pgconn.PgError{Code: "3D000"}, models.KindConnectionFatal},
		{"syntax error", &pgconn.PgError{Code: "42601"}, models.KindQueryFatal},
		{"wrapped pg error", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), models.KindDuplicateKey},
		{"context canceled", context.Canceled, models.KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, models.KindConnectionTransient},
		{"refused by message", errors.New("dial tcp 10.0.0.1:5432: connection refused"), models.KindConnectionTransient},
		{"reset by message", errors.New("read: connection reset by peer"), models.KindConnectionTransient},
		{"mssql primary key", errors.New("Violation of PRIMARY KEY constraint 'PK_items'"), models.KindDuplicateKey},
		{"mssql duplicate code", errors.New("mssql: error 2627 occurred"), models.KindDuplicateKey},
		{"mssql missing object", errors.New("Invalid object name 'dbo.Items'"), models.KindMissingTable},
		{"pg missing relation", errors.New(`relation "dbo.items" does not exist`), models.KindMissingTable},
		{"auth by message", errors.New("password authentication failed for user \"etl\""), models.KindConnectionFatal},
		{"unknown host by message", errors.New("dial tcp: lookup dbhost: no such host"), models.KindConnectionFatal},
		{"dns error", &net.DNSError{Err: "no such host", Name: "dbhost", IsNotFound: true}, models.KindConnectionFatal},
		{"plain failure", errors.New("division by zero"), models.KindQueryFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gateway.Classify(tt.err)
			if kind := models.KindOf(got); kind != tt.want {
				t.Errorf("Classify(%v) kind = %v, want %v", tt.err, kind, tt.want)
			}
		})
	}
}

func TestClassify_NilPassesThrough(t *testing.T) {
	if got := gateway.Classify(nil); got != nil {
		t.Errorf("Classify(nil) = %v, want nil", got)
	}
}

func TestClassify_TaggedPassesThrough(t *testing.T) {
	tagged := models.Tag(models.KindMissingTable, errors.New("gone"))
	got := gateway.Classify(tagged)
	if got != tagged {
		t.Errorf("Classify() rewrapped an already tagged error")
	}
}

func TestClassify_NetError(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("timeout")}
	got := gateway.Classify(fmt.Errorf("acquire: %w", opErr))
	if kind := models.KindOf(got); kind != models.KindConnectionTransient {
		t.Errorf("Classify(net.OpError) kind = %v, want %v", kind, models.KindConnectionTransient)
	}
}
