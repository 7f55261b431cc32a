package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPersistence is the production Persistence binding. It mirrors the
// nodes/devices tables owned by collaborators and owns the executions table
// outright.
type PostgresPersistence struct {
	pool *pgxpool.Pool
}

// NewPostgresPersistence opens a connection pool against dsn. Pool limits
// mirror the sizing a single-instance scheduler actually needs: a handful of
// long-lived connections, not one per device.
func NewPostgresPersistence(ctx context.Context, dsn string) (*PostgresPersistence, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresPersistence{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresPersistence) Close() {
	p.pool.Close()
}

func (p *PostgresPersistence) LoadEnabledMasters(ctx context.Context, now time.Time) ([]ProbeNode, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT n.id, n.device_id, n.kind, n.priority, n.interval_s, n.chain_id,
		       n.is_master, n.chain_order, n.waiting_on_gate, n.next_run_at,
		       n.last_run_at, n.last_success_at, n.last_failure_at
		FROM probe_nodes n
		JOIN devices d ON d.id = n.device_id
		WHERE n.enabled AND n.is_master AND d.enabled
		  AND (n.next_run_at IS NULL OR n.next_run_at <= $1)
	`, now)
	if err != nil {
		return nil, fmt.Errorf("load enabled masters: %w", err)
	}
	defer rows.Close()

	var out []ProbeNode
	for rows.Next() {
		var n ProbeNode
		var nextRun, lastRun, lastSuccess, lastFailure *time.Time
		if err := rows.Scan(&n.ID, &n.DeviceID, &n.Kind, &n.Priority, &n.IntervalS,
			&n.ChainID, &n.IsMaster, &n.ChainOrder, &n.WaitingOnGate, &nextRun,
			&lastRun, &lastSuccess, &lastFailure); err != nil {
			return nil, fmt.Errorf("scan master row: %w", err)
		}
		if nextRun != nil {
			n.NextRunAt = *nextRun
		}
		if lastRun != nil {
			n.LastRunAt = *lastRun
		}
		if lastSuccess != nil {
			n.LastSuccessAt = *lastSuccess
		}
		if lastFailure != nil {
			n.LastFailureAt = *lastFailure
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresPersistence) LoadFollowers(ctx context.Context, masterID string) ([]ProbeNode, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, device_id, kind, priority, interval_s, chain_id, is_master, chain_order
		FROM probe_nodes
		WHERE enabled AND chain_id = $1 AND NOT is_master
		ORDER BY chain_order ASC
	`, masterID)
	if err != nil {
		return nil, fmt.Errorf("load followers: %w", err)
	}
	defer rows.Close()

	var out []ProbeNode
	for rows.Next() {
		var n ProbeNode
		if err := rows.Scan(&n.ID, &n.DeviceID, &n.Kind, &n.Priority, &n.IntervalS,
			&n.ChainID, &n.IsMaster, &n.ChainOrder); err != nil {
			return nil, fmt.Errorf("scan follower row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresPersistence) LoadDevice(ctx context.Context, deviceID string) (Device, error) {
	var d Device
	err := p.pool.QueryRow(ctx, `
		SELECT id, hostname, enabled FROM devices WHERE id = $1
	`, deviceID).Scan(&d.ID, &d.Hostname, &d.Enabled)
	if err != nil {
		return Device{}, fmt.Errorf("load device %s: %w", deviceID, err)
	}
	return d, nil
}

func (p *PostgresPersistence) InitializeNextRun(ctx context.Context, nodeID string, nextRunAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE probe_nodes SET next_run_at = $2 WHERE id = $1 AND next_run_at IS NULL
	`, nodeID, nextRunAt)
	if err != nil {
		return fmt.Errorf("initialize next_run_at for %s: %w", nodeID, err)
	}
	return nil
}

func (p *PostgresPersistence) WriteExecution(ctx context.Context, row ExecutionRow) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO executions (id, device_id, composite_id, master_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, row.ID, row.DeviceID, row.CompositeID, row.MasterID, row.Status, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("write execution %s: %w", row.ID, err)
	}
	return nil
}

func (p *PostgresPersistence) UpdateExecution(ctx context.Context, row ExecutionRow) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE executions SET status = $2, started_at = $3
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')
	`, row.ID, row.Status, row.StartedAt)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", row.ID, err)
	}
	return nil
}

// FinalizeExecution writes the execution row's terminal status and the
// master's reschedule fields in one transaction, matching spec §4.2/§4.6(a).
func (p *PostgresPersistence) FinalizeExecution(ctx context.Context, row ExecutionRow, nextRunAt time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE executions SET status = $2, finished_at = $3, error = $4
		WHERE id = $1
	`, row.ID, row.Status, row.FinishedAt, row.Error)
	if err != nil {
		return fmt.Errorf("finalize execution row: %w", err)
	}

	successCol, failureCol := "last_success_at", "last_failure_at"
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE probe_nodes
		SET last_run_at = $2, next_run_at = $3,
		    %s = CASE WHEN $4 THEN $2 ELSE %s END,
		    %s = CASE WHEN NOT $4 THEN $2 ELSE %s END
		WHERE id = $1
	`, successCol, successCol, failureCol, failureCol),
		row.MasterID, row.FinishedAt, nextRunAt, row.Status == StatusSuccess)
	if err != nil {
		return fmt.Errorf("advance master %s: %w", row.MasterID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finalize tx: %w", err)
	}
	return nil
}

func (p *PostgresPersistence) FinalizeInterrupted(ctx context.Context, row ExecutionRow) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE executions SET status = 'INTERRUPTED', finished_at = $2, error = $3
		WHERE id = $1
	`, row.ID, row.FinishedAt, row.Error)
	if err != nil {
		return fmt.Errorf("finalize interrupted execution %s: %w", row.ID, err)
	}
	return nil
}

func (p *PostgresPersistence) FindOrphanedExecutions(ctx context.Context, olderThan time.Time) ([]ExecutionRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, device_id, composite_id, master_id, status, created_at
		FROM executions
		WHERE status = 'PENDING' AND created_at < $1 AND worker_id IS NULL
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find orphaned executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRow
	for rows.Next() {
		var r ExecutionRow
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.CompositeID, &r.MasterID, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan orphan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresPersistence) HasInFlight(ctx context.Context, deviceID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM executions
			WHERE device_id = $1 AND status IN ('PENDING', 'RUNNING')
		)
	`, deviceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check in-flight %s: %w", deviceID, err)
	}
	return exists, nil
}

func (p *PostgresPersistence) HasInFlightMaster(ctx context.Context, deviceID, masterID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM executions
			WHERE device_id = $1 AND master_id = $2 AND status IN ('PENDING', 'RUNNING')
		)
	`, deviceID, masterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check in-flight master %s/%s: %w", deviceID, masterID, err)
	}
	return exists, nil
}

func (p *PostgresPersistence) ClearGate(ctx context.Context, gateMasterID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE probe_nodes SET waiting_on_gate = false WHERE fires_on_success_of = $1
	`, gateMasterID)
	if err != nil {
		return fmt.Errorf("clear gate for %s: %w", gateMasterID, err)
	}
	return nil
}

// ErrNoRows reports whether err is pgx's not-found sentinel, used by callers
// that treat a missing device/node as a configuration error (spec §7).
func ErrNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
