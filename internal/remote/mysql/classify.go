package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/types"
)

// Server error numbers, see the MySQL error reference.
const (
	erDupEntry            = 1062
	erRowIsReferenced     = 1451
	erNoReferencedRow     = 1452
	erBadNull             = 1048
	erNoDefaultForField   = 1364
	erCheckConstraint     = 3819
	erTableAccessDenied   = 1142
	erColumnAccessDenied  = 1143
	erDBAccessDenied      = 1044
	erAccessDenied        = 1045
	erBadField            = 1054
	erNoSuchTable         = 1146
	erTruncatedWrongValue = 1366
	erDataTooLong         = 1406
	erWarnDataOutOfRange  = 1264
	erTruncatedDateTime   = 1292
	erConCount            = 1040
	erServerShutdown      = 1053
	erLockWaitTimeout     = 1205
	erLockDeadlock        = 1213
)

// Classify maps a MySQL driver error to a remote error kind.
func Classify(err error) remote.ErrorKind {
	if err == nil {
		return remote.KindUnknown
	}

	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case erDupEntry, erRowIsReferenced, erNoReferencedRow, erBadNull, erNoDefaultForField, erCheckConstraint:
			return remote.KindConstraint
		case erTableAccessDenied, erColumnAccessDenied, erDBAccessDenied, erAccessDenied:
			return remote.KindAuth
		case erBadField, erNoSuchTable, erTruncatedWrongValue, erDataTooLong, erWarnDataOutOfRange, erTruncatedDateTime:
			return remote.KindValidation
		case erConCount, erServerShutdown:
			return remote.KindNetwork
		case erLockWaitTimeout, erLockDeadlock:
			return remote.KindUnknown
		}
		return remote.KindUnknown
	}

	if errors.Is(err, mysqldrv.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
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
