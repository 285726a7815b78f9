package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

const (
	errLockDeadlock = 1213
	maxTxAttempts   = 3
)

const instanceColumns = `instance_id, container_id, session_token, challenge_id, user_id, team_id, image_ref,
	internal_port, host_port, host_address, container_ip, metadata, status, error_message,
	created_at, started_at, expires_at, last_revert_at, updated_at`

type MySQLInstanceRepository struct {
	db *sql.DB
}

func NewMySQLInstanceRepository(db *sql.DB) *MySQLInstanceRepository {
	return &MySQLInstanceRepository{
		db: db,
	}
}

// CreateWithinQuota serializes creations per owner on the instance_owners row
// lock, then counts and inserts in the same transaction. Port uniqueness is
// enforced by the unique index on active_port.
func (r *MySQLInstanceRepository) CreateWithinQuota(ctx context.Context, instance *domain.Instance, quota int) error {
	var err error
	for range maxTxAttempts {
		err = r.createWithinQuota(ctx, instance, quota)
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == errLockDeadlock {
			continue
		}
		return err
	}
	return err
}

func (r *MySQLInstanceRepository) createWithinQuota(ctx context.Context, instance *domain.Instance, quota int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ownerKey := instance.OwnerKey()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO instance_owners (owner_key) VALUES (?) ON DUPLICATE KEY UPDATE owner_key = owner_key`,
		ownerKey,
	); err != nil {
		return fmt.Errorf("failed to register owner: %w", err)
	}

	var locked string
	if err := tx.QueryRowContext(ctx,
		`SELECT owner_key FROM instance_owners WHERE owner_key = ? FOR UPDATE`,
		ownerKey,
	).Scan(&locked); err != nil {
		return fmt.Errorf("failed to lock owner: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances WHERE owner_key = ? AND status IN (?, ?, ?)`,
		ownerKey,
		string(domain.StatusStarting),
		string(domain.StatusRunning),
		string(domain.StatusStopping),
	).Scan(&count); err != nil {
		return fmt.Errorf("failed to count instances: %w", err)
	}

	if count >= quota {
		return domain.ErrQuotaExceeded
	}

	query := `
		INSERT INTO instances (` + instanceColumns + `, owner_key, active_port)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	args := append(instanceArgs(instance), ownerKey, activePort(instance))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if key, ok := duplicateKey(err); ok {
			if key == "uq_instances_active_port" {
				return domain.ErrPortInUse
			}
			return domain.ErrInstanceAlreadyExists
		}
		return err
	}

	return tx.Commit()
}

func (r *MySQLInstanceRepository) FindByID(ctx context.Context, instanceID string) (*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE instance_id = ?`
	return r.findOne(ctx, query, instanceID)
}

func (r *MySQLInstanceRepository) FindBySessionToken(ctx context.Context, token string) (*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE session_token = ?`
	return r.findOne(ctx, query, token)
}

func (r *MySQLInstanceRepository) Update(ctx context.Context, instance *domain.Instance, expected domain.Status) error {
	query := `
		UPDATE instances
		SET container_id = ?, host_port = ?, active_port = ?, host_address = ?, container_ip = ?, metadata = ?,
			status = ?, error_message = ?, started_at = ?, expires_at = ?, last_revert_at = ?, updated_at = ?
		WHERE instance_id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullString(instance.ContainerID),
		instance.HostPort,
		activePort(instance),
		instance.HostAddress,
		instance.ContainerIP,
		nullJSON(instance.Metadata),
		string(instance.Status),
		nullString(instance.ErrorMessage),
		nullTime(instance.StartedAt),
		instance.ExpiresAt.UTC(),
		nullTime(instance.LastRevertAt),
		instance.UpdatedAt.UTC(),
		instance.InstanceID,
		string(expected),
	)
	if err != nil {
		if key, ok := duplicateKey(err); ok && key == "uq_instances_active_port" {
			return domain.ErrPortInUse
		}
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		if _, err := r.FindByID(ctx, instance.InstanceID); err != nil {
			return err
		}
		return domain.ErrStaleInstance
	}

	return nil
}

func (r *MySQLInstanceRepository) ExtendExpiry(ctx context.Context, instance *domain.Instance, previous time.Time) error {
	query := `
		UPDATE instances
		SET expires_at = ?, updated_at = ?
		WHERE instance_id = ? AND expires_at = ? AND status IN (?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		instance.ExpiresAt.UTC(),
		instance.UpdatedAt.UTC(),
		instance.InstanceID,
		previous.UTC(),
		string(domain.StatusStarting),
		string(domain.StatusRunning),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := r.FindByID(ctx, instance.InstanceID); err != nil {
			return err
		}
		return domain.ErrStaleInstance
	}
	return nil
}

func (r *MySQLInstanceRepository) FindActiveByOwner(ctx context.Context, ownerKey string) ([]*domain.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE owner_key = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC
	`
	return r.findMany(ctx, query, ownerKey,
		string(domain.StatusStarting), string(domain.StatusRunning), string(domain.StatusStopping))
}

func (r *MySQLInstanceRepository) FindActiveByOwnerAndChallenge(ctx context.Context, ownerKey string, challengeID int64) (*domain.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE owner_key = ? AND challenge_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.findOne(ctx, query, ownerKey, challengeID,
		string(domain.StatusStarting), string(domain.StatusRunning), string(domain.StatusStopping))
}

func (r *MySQLInstanceRepository) FindByRequester(ctx context.Context, userID, teamID int64) ([]*domain.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE user_id = ? OR (team_id <> 0 AND team_id = ?)
		ORDER BY created_at DESC
		LIMIT 100
	`
	return r.findMany(ctx, query, userID, teamID)
}

func (r *MySQLInstanceRepository) FindExpired(ctx context.Context, now time.Time) ([]*domain.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at
	`
	return r.findMany(ctx, query, string(domain.StatusRunning), now.UTC())
}

func (r *MySQLInstanceRepository) FindByStatusCreatedBefore(ctx context.Context, status domain.Status, before time.Time) ([]*domain.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE status = ? AND created_at < ?
		ORDER BY created_at
	`
	return r.findMany(ctx, query, string(status), before.UTC())
}

func (r *MySQLInstanceRepository) ActivePorts(ctx context.Context) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT active_port FROM instances WHERE active_port IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return ports, nil
}

func (r *MySQLInstanceRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *MySQLInstanceRepository) findOne(ctx context.Context, query string, args ...any) (*domain.Instance, error) {
	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (r *MySQLInstanceRepository) findMany(ctx context.Context, query string, args ...any) ([]*domain.Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*domain.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*domain.Instance, error) {
	var instance domain.Instance
	var (
		containerID  sql.NullString
		errorMessage sql.NullString
		metadata     []byte
		startedAt    sql.NullTime
		lastRevertAt sql.NullTime
	)

	err := s.Scan(
		&instance.InstanceID,
		&containerID,
		&instance.SessionToken,
		&instance.ChallengeID,
		&instance.UserID,
		&instance.TeamID,
		&instance.ImageRef,
		&instance.InternalPort,
		&instance.HostPort,
		&instance.HostAddress,
		&instance.ContainerIP,
		&metadata,
		&instance.Status,
		&errorMessage,
		&instance.CreatedAt,
		&startedAt,
		&instance.ExpiresAt,
		&lastRevertAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.ContainerID = containerID.String
	instance.ErrorMessage = errorMessage.String
	instance.Metadata = metadata
	if startedAt.Valid {
		instance.StartedAt = startedAt.Time
	}
	if lastRevertAt.Valid {
		instance.LastRevertAt = lastRevertAt.Time
	}

	return &instance, nil
}

func instanceArgs(instance *domain.Instance) []any {
	return []any{
		instance.InstanceID,
		nullString(instance.ContainerID),
		instance.SessionToken,
		instance.ChallengeID,
		instance.UserID,
		instance.TeamID,
		instance.ImageRef,
		instance.InternalPort,
		instance.HostPort,
		instance.HostAddress,
		instance.ContainerIP,
		nullJSON(instance.Metadata),
		string(instance.Status),
		nullString(instance.ErrorMessage),
		instance.CreatedAt.UTC(),
		nullTime(instance.StartedAt),
		instance.ExpiresAt.UTC(),
		nullTime(instance.LastRevertAt),
		instance.UpdatedAt.UTC(),
	}
}

// activePort is the value of the active_port column: the host port while the
// instance holds it, NULL afterwards.
func activePort(instance *domain.Instance) sql.NullInt64 {
	if instance.IsTerminal() || instance.HostPort == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(instance.HostPort), Valid: true}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
