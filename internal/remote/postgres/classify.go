package postgres

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/types"
)

// Classify maps a pgx error to a remote error kind by SQLSTATE class.
func Classify(err error) remote.ErrorKind {
	if err == nil {
		return remote.KindUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "23"):
			return remote.KindConstraint
		case code == "42501", strings.HasPrefix(code, "28"):
			return remote.KindAuth
		case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "22"):
			return remote.KindValidation
		case strings.HasPrefix(code, "08"), code == "57P01", code == "53300":
			return remote.KindNetwork
		}
		return remote.KindUnknown
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return remote.KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return remote.KindNetwork
	}
	return remote.KindUnknown
}

func classify(table string, op types.Operation, err error) error {
	if err == nil {
		return nil
	}
	return &remote.WriteError{Kind: Classify(err), Table: table, Op: op, Err: err}
}
