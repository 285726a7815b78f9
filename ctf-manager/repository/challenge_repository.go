package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

type MySQLChallengeRepository struct {
	db *sql.DB
}

func NewMySQLChallengeRepository(db *sql.DB) *MySQLChallengeRepository {
	return &MySQLChallengeRepository{
		db: db,
	}
}

func (r *MySQLChallengeRepository) FindByID(ctx context.Context, challengeID int64) (*domain.Challenge, error) {
	query := `
		SELECT challenge_id, name, image_ref, internal_port, docker_enabled, memory_limit_mb, cpu_limit,
			team_scoped, connection_template, flag_path, updated_at
		FROM container_challenges
		WHERE challenge_id = ?
	`

	challenge := &domain.Challenge{}
	err := r.db.QueryRowContext(ctx, query, challengeID).Scan(
		&challenge.ChallengeID,
		&challenge.Name,
		&challenge.ImageRef,
		&challenge.InternalPort,
		&challenge.DockerEnabled,
		&challenge.MemoryLimitMB,
		&challenge.CPULimit,
		&challenge.TeamScoped,
		&challenge.ConnectionTemplate,
		&challenge.FlagPath,
		&challenge.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}

	return challenge, nil
}

func (r *MySQLChallengeRepository) Upsert(ctx context.Context, challenge *domain.Challenge) error {
	query := `
		INSERT INTO container_challenges (challenge_id, name, image_ref, internal_port, docker_enabled, memory_limit_mb,
			cpu_limit, team_scoped, connection_template, flag_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			image_ref = VALUES(image_ref),
			internal_port = VALUES(internal_port),
			docker_enabled = VALUES(docker_enabled),
			memory_limit_mb = VALUES(memory_limit_mb),
			cpu_limit = VALUES(cpu_limit),
			team_scoped = VALUES(team_scoped),
			connection_template = VALUES(connection_template),
			flag_path = VALUES(flag_path),
			updated_at = VALUES(updated_at)
	`

	challenge.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query,
		challenge.ChallengeID,
		challenge.Name,
		challenge.ImageRef,
		challenge.Port(),
		challenge.DockerEnabled,
		challenge.MemoryLimitMB,
		challenge.CPULimit,
		challenge.TeamScoped,
		challenge.ConnectionTemplate,
		challenge.FlagPath,
		challenge.UpdatedAt,
	)
	return err
}
