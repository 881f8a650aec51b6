// Package verifier detects drift between the local mirror and the remote store.
package verifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/dbsmedya/posmirror/internal/bootstrap"
	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/mirror"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/types"
)

// VerificationMethod defines how tables are compared.
type VerificationMethod string

const (
	// MethodCount compares row counts (fast)
	MethodCount VerificationMethod = "count"
	// MethodSHA256 compares a hash over every mapped row (slower but more thorough)
	MethodSHA256 VerificationMethod = "sha256"
	// MethodSkip skips verification entirely
	MethodSkip VerificationMethod = "skip"
)

// ParseMethod validates a method name. An empty name means MethodCount.
func ParseMethod(s string) (VerificationMethod, error) {
	switch m := VerificationMethod(s); m {
	case "":
		return MethodCount, nil
	case MethodCount, MethodSHA256, MethodSkip:
		return m, nil
	}
	return "", fmt.Errorf("unsupported verification method: %s", s)
}

// VerifyResult holds the comparison of one table.
type VerifyResult struct {
	Table        string
	Method       VerificationMethod
	RemoteCount  int64
	LocalCount   int64
	RemoteHash   string
	LocalHash    string
	Match        bool
	Repaired     bool
	ErrorMessage string
}

// VerifyStats summarizes a verification run.
type VerifyStats struct {
	TablesVerified int
	TablesPassed   int
	TablesFailed   int
	TablesRepaired int
	TotalRows      int64
	Method         VerificationMethod
	Results        []VerifyResult
}

// Verifier compares mirrored tables with the remote store.
//
// Rows written locally but not yet flushed show up as drift; verify after
// the outbox is drained for a meaningful answer.
type Verifier struct {
	remote remote.Store
	store  *mirror.Store
	loader *bootstrap.Loader
	method VerificationMethod
	logger *logger.Logger
}

// NewVerifier creates a verifier. Drifted tables are repaired by
// re-bootstrapping them from rs.
func NewVerifier(rs remote.Store, store *mirror.Store, method VerificationMethod, log *logger.Logger) (*Verifier, error) {
	if rs == nil {
		return nil, fmt.Errorf("remote store is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("local store is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if method == "" {
		method = MethodCount
	}

	loader, err := bootstrap.NewLoader(rs, store, log)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		remote: rs,
		store:  store,
		loader: loader,
		method: method,
		logger: log.WithComponent("verifier"),
	}, nil
}

// GetMethod returns the configured verification method.
func (v *Verifier) GetMethod() VerificationMethod {
	return v.method
}

// Verify compares each table, every registered table when tables is empty.
// With repair set, drifted tables are bootstrapped again and re-checked.
// A mismatch does not stop the run; the returned error reports tables that
// are still drifted at the end.
func (v *Verifier) Verify(ctx context.Context, tables []string, repair bool) (*VerifyStats, error) {
	if v.method == MethodSkip {
		v.logger.Info("Verification SKIPPED (method=skip)")
		return &VerifyStats{Method: MethodSkip}, nil
	}

	tables, err := v.store.Registry().Resolve(tables)
	if err != nil {
		return nil, err
	}

	stats := &VerifyStats{Method: v.method}
	v.logger.Infof("Starting verification (method=%s) for %d tables", v.method, len(tables))

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("verification interrupted: %w", err)
		}

		result, err := v.VerifyTable(ctx, table)
		if err != nil {
			return stats, fmt.Errorf("verification failed for table %s: %w", table, err)
		}

		if !result.Match && repair {
			if _, err := v.loader.Bootstrap(ctx, table); err != nil {
				v.logger.Errorf("Repair of table %q failed: %v", table, err)
			} else if again, err := v.VerifyTable(ctx, table); err == nil {
				again.Repaired = again.Match
				result = again
			}
		}

		stats.TablesVerified++
		stats.TotalRows += result.RemoteCount
		stats.Results = append(stats.Results, *result)

		switch {
		case result.Repaired:
			stats.TablesRepaired++
			stats.TablesPassed++
			v.logger.Infof("Table %q repaired (%d rows)", table, result.RemoteCount)
		case result.Match:
			stats.TablesPassed++
			v.logger.Debugf("Verification PASSED for table %q (%d rows)", table, result.RemoteCount)
		default:
			stats.TablesFailed++
			v.logger.Warnf("Verification FAILED for table %q: %s", table, result.ErrorMessage)
		}
	}

	v.logger.Infof("Verification complete: %d tables verified, %d passed, %d failed, %d repaired",
		stats.TablesVerified, stats.TablesPassed, stats.TablesFailed, stats.TablesRepaired)

	if stats.TablesFailed > 0 {
		return stats, fmt.Errorf("verification failed: %d tables had mismatches", stats.TablesFailed)
	}
	return stats, nil
}

// VerifyTable compares one table with the configured method.
func (v *Verifier) VerifyTable(ctx context.Context, table string) (*VerifyResult, error) {
	switch v.method {
	case MethodCount:
		return v.verifyByCount(ctx, table)
	case MethodSHA256:
		return v.verifyBySHA256(ctx, table)
	default:
		return nil, fmt.Errorf("unsupported verification method: %s", v.method)
	}
}

func (v *Verifier) verifyByCount(ctx context.Context, table string) (*VerifyResult, error) {
	remoteRows, err := v.remote.SelectAll(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote: %w", err)
	}
	localCount, err := v.store.Count(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to count local: %w", err)
	}

	result := &VerifyResult{
		Table:       table,
		Method:      MethodCount,
		RemoteCount: int64(len(remoteRows)),
		LocalCount:  localCount,
		Match:       int64(len(remoteRows)) == localCount,
	}
	if !result.Match {
		result.ErrorMessage = fmt.Sprintf("count mismatch: remote=%d, local=%d", result.RemoteCount, localCount)
	}
	return result, nil
}

func (v *Verifier) verifyBySHA256(ctx context.Context, table string) (*VerifyResult, error) {
	registry := v.store.Registry()
	spec, err := registry.Lookup(table)
	if err != nil {
		return nil, err
	}

	remoteRows, err := v.remote.SelectAll(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote: %w", err)
	}
	mapped := make([]types.Row, 0, len(remoteRows))
	for _, row := range remoteRows {
		m, err := registry.Map(table, row)
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, m)
	}
	localRows, err := v.store.Query(ctx, table, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read local: %w", err)
	}

	remoteHash, err := tableHash(spec, mapped)
	if err != nil {
		return nil, fmt.Errorf("failed to compute remote hash: %w", err)
	}
	localHash, err := tableHash(spec, localRows)
	if err != nil {
		return nil, fmt.Errorf("failed to compute local hash: %w", err)
	}

	result := &VerifyResult{
		Table:       table,
		Method:      MethodSHA256,
		RemoteCount: int64(len(mapped)),
		LocalCount:  int64(len(localRows)),
		RemoteHash:  remoteHash,
		LocalHash:   localHash,
	}
	result.Match = remoteHash == localHash && result.RemoteCount == result.LocalCount
	if !result.Match {
		if result.RemoteCount != result.LocalCount {
			result.ErrorMessage = fmt.Sprintf("count mismatch: remote=%d, local=%d", result.RemoteCount, result.LocalCount)
		} else {
			result.ErrorMessage = fmt.Sprintf("hash mismatch: remote=%s, local=%s", remoteHash[:16], localHash[:16])
		}
	}
	return result, nil
}

// tableHash hashes rows independent of their order. The sync timestamp and
// local-only keys never take part.
func tableHash(spec *mirror.TableSpec, rows []types.Row) (string, error) {
	skip := []string{mirror.SyncedAtColumn}
	if spec.LocalAutoKey {
		skip = append(skip, spec.KeyColumn)
	}

	encoded := make([][]byte, 0, len(rows))
	for _, row := range rows {
		b, err := types.Canonical(row.Without(skip...))
		if err != nil {
			return "", err
		}
		encoded = append(encoded, b)
	}
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })

	hasher := sha256.New()
	for _, b := range encoded {
		hasher.Write(b)
		hasher.Write([]byte("\n"))
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
