package gateway

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shuttledb/shuttle/internal/models"
)

// Classify tags a driver error with the transfer error kind that decides
// retry and reporting behavior. Already-tagged errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var te *models.TransferError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return models.Tag(models.KindCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Tag(models.KindConnectionTransient, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return models.Tag(kindForSQLState(pgErr.Code), err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return models.Tag(models.KindConnectionFatal, err)
	}
	if isNetError(err) {
		return models.Tag(models.KindConnectionTransient, err)
	}
	return models.Tag(kindForMessage(err.Error()), err)
}

func kindForSQLState(code string) models.ErrorKind {
	switch {
	case code == "23505":
		return models.KindDuplicateKey
	case code == "42P01":
		return models.KindMissingTable
	case strings.HasPrefix(code, "08"), code == "57P01", code == "57P02", code == "57P03":
		return models.KindConnectionTransient
	case strings.HasPrefix(code, "28"), code == "3D000":
		return models.KindConnectionFatal
	default:
		return models.KindQueryFatal
	}
}

// kindForMessage covers drivers that surface failures as bare strings. The
// duplicate and missing-table spellings of SQL Server sources are matched
// alongside the PostgreSQL ones.
func kindForMessage(msg string) models.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "duplicate key"),
		strings.Contains(msg, "PRIMARY KEY"),
		strings.Contains(msg, "UNIQUE KEY"),
		strings.Contains(msg, "2627"),
		strings.Contains(msg, "2601"):
		return models.KindDuplicateKey
	case strings.Contains(lower, "does not exist") && strings.Contains(lower, "relation"),
		strings.Contains(msg, "Invalid object name"):
		return models.KindMissingTable
	case strings.Contains(lower, "password authentication failed"),
		strings.Contains(lower, "login failed"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "no such host"):
		return models.KindConnectionFatal
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "i/o timeout"),
		strings.Contains(lower, "unexpected eof"),
		strings.Contains(lower, "conn closed"):
		return models.KindConnectionTransient
	default:
		return models.KindQueryFatal
	}
}

func isNetError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRowDataError reports whether an insert failed because of the row's values
// rather than the statement or the connection: numeric overflow, invalid
// dates, oversized strings. Such rows are counted and skipped instead of
// failing the run.
func IsRowDataError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "22")
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "out of range") ||
		strings.Contains(lower, "invalid input syntax") ||
		strings.Contains(lower, "arithmetic overflow")
}
