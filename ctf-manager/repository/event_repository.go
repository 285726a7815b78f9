package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

type MySQLEventRepository struct {
	db *sql.DB
}

func NewMySQLEventRepository(db *sql.DB) *MySQLEventRepository {
	return &MySQLEventRepository{
		db: db,
	}
}

func (r *MySQLEventRepository) Append(ctx context.Context, event *domain.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO container_events (instance_id, challenge_id, user_id, event_type, status, message, container_id, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullString(event.InstanceID),
		event.ChallengeID,
		event.UserID,
		string(event.Type),
		string(event.Status),
		nullString(event.Message),
		nullString(event.ContainerID),
		nullString(event.IPAddress),
		event.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id

	return nil
}

func (r *MySQLEventRepository) List(ctx context.Context, filter domain.EventFilter) (*domain.EventPage, error) {
	filter = filter.Normalize()
	where, args := eventWhere(filter)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM container_events`+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	query := `
		SELECT id, instance_id, challenge_id, user_id, event_type, status, message, container_id, ip_address, created_at
		FROM container_events` + where + `
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*domain.Event, 0, filter.Limit)
	for rows.Next() {
		var event domain.Event
		var instanceID, message, containerID, ipAddress sql.NullString

		err := rows.Scan(
			&event.ID,
			&instanceID,
			&event.ChallengeID,
			&event.UserID,
			&event.Type,
			&event.Status,
			&message,
			&containerID,
			&ipAddress,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		event.InstanceID = instanceID.String
		event.Message = message.String
		event.ContainerID = containerID.String
		event.IPAddress = ipAddress.String
		events = append(events, &event)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return &domain.EventPage{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

func eventWhere(filter domain.EventFilter) (string, []any) {
	var conds []string
	var args []any

	if filter.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ChallengeID != 0 {
		conds = append(conds, "challenge_id = ?")
		args = append(args, filter.ChallengeID)
	}
	if filter.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, filter.Until.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
