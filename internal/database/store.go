package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations used by the webhook
// pipeline. Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// CreateIntegration inserts a new integration record.
	CreateIntegration(ctx context.Context, integ *Integration) error

	// GetIntegrationByID retrieves an integration by primary key. Returns nil, nil if not found.
	GetIntegrationByID(ctx context.Context, id int64) (*Integration, error)

	// GetIntegrationByChannelID retrieves an integration by its external channel id. Returns nil, nil if not found.
	GetIntegrationByChannelID(ctx context.Context, channelID string) (*Integration, error)

	// ListActiveIntegrations retrieves all integrations with the active flag set.
	ListActiveIntegrations(ctx context.Context) ([]*Integration, error)

	// SetIntegrationRegistered records a successful webhook registration:
	// webhook_url is set, status becomes active, and the active flag is set.
	SetIntegrationRegistered(ctx context.Context, id int64, webhookURL string) error

	// SetIntegrationStatus updates only the status column.
	SetIntegrationStatus(ctx context.Context, id int64, status string) error

	// UpdateIntegrationSettings refreshes an integration's credentials and
	// quiet-hours preferences from configuration.
	UpdateIntegrationSettings(ctx context.Context, id int64, secret, token string, quietEnabled bool, quietStart, quietEnd string) error

	// TouchIntegrationWebhook updates last_webhook_at.
	TouchIntegrationWebhook(ctx context.Context, id int64, at time.Time) error

	// TouchIntegrationActivity updates last_activity_at.
	TouchIntegrationActivity(ctx context.Context, id int64, at time.Time) error

	// RecordIntegrationSendFailure updates last_send_failure_at.
	RecordIntegrationSendFailure(ctx context.Context, id int64, at time.Time) error

	// GetGroupByID retrieves a group by primary key. Returns nil, nil if not found.
	GetGroupByID(ctx context.Context, id int64) (*Group, error)

	// GetGroupByExternalID retrieves a group by external id under an integration. Returns nil, nil if not found.
	GetGroupByExternalID(ctx context.Context, integrationID int64, externalID string) (*Group, error)

	// FindGroupByExternalID retrieves a group by external id across all
	// integrations, used for the initial group-to-integration mapping lookup.
	// Returns nil, nil if not found.
	FindGroupByExternalID(ctx context.Context, externalID string) (*Group, error)

	// CreateGroupIfAbsent inserts a group unless one already exists for the
	// same (integration_id, external_id). Returns the persisted row either way.
	CreateGroupIfAbsent(ctx context.Context, group *Group) (*Group, error)

	// TouchGroupActivity updates a group's last_activity_at.
	TouchGroupActivity(ctx context.Context, id int64, at time.Time) error

	// SetGroupActive updates a group's active flag.
	SetGroupActive(ctx context.Context, id int64, active bool) error

	// SetGroupMemberCount updates a group's member count.
	SetGroupMemberCount(ctx context.Context, id int64, count int) error

	// CreateMessageIfAbsent inserts a message keyed by its external id.
	// Redelivery of an already-persisted external id is not an error: the
	// insert is skipped and created is false.
	CreateMessageIfAbsent(ctx context.Context, msg *Message) (created bool, err error)

	// GetMessageByID retrieves a message by primary key. Returns nil, nil if not found.
	GetMessageByID(ctx context.Context, id int64) (*Message, error)

	// MarkMessageProcessed records a successful extraction outcome on a message.
	MarkMessageProcessed(ctx context.Context, id int64, intent string, confidence float64, parsedContent string, taskID sql.NullInt64) error

	// AppendMessageError appends a structured entry to the message's bounded
	// error record.
	AppendMessageError(ctx context.Context, id int64, procErr ProcessingError) error

	// CreateTask inserts a new task record.
	CreateTask(ctx context.Context, task *Task) error

	// GetTaskByID retrieves a task by primary key. Returns nil, nil if not found.
	GetTaskByID(ctx context.Context, id int64) (*Task, error)

	// EnqueueJob inserts a new queue job.
	EnqueueJob(ctx context.Context, job *Job) error

	// ClaimJob atomically claims the next runnable pending job, marking it
	// processing and incrementing its attempt counter. Returns nil, nil when
	// no job is runnable.
	ClaimJob(ctx context.Context, now time.Time) (*Job, error)

	// CompleteJob marks a job processed.
	CompleteJob(ctx context.Context, id string) error

	// RetryJob reschedules a failed job to run again at runAt.
	RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error

	// MarkJobDead parks a job permanently after its attempts are exhausted.
	MarkJobDead(ctx context.Context, id string, lastError string) error

	// RequeueStuckJobs returns processing claims older than the cutoff to
	// pending, recovering work lost to a crashed worker.
	RequeueStuckJobs(ctx context.Context, before time.Time) (int64, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) CreateIntegration(ctx context.Context, integ *Integration) error {
	if integ == nil {
		return fmt.Errorf("cannot create nil integration")
	}
	if integ.ChannelID == "" {
		return fmt.Errorf("integration must have a channel_id")
	}
	if integ.Status == "" {
		integ.Status = IntegrationStatusPending
	}

	now := time.Now().UTC()
	integ.CreatedAt = now
	integ.UpdatedAt = now

	query := `
        INSERT INTO integrations (channel_id, channel_secret, channel_token, webhook_url, status, active,
                                  quiet_hours_enabled, quiet_start, quiet_end,
                                  last_webhook_at, last_activity_at, last_send_failure_at, created_at, updated_at)
        VALUES (:channel_id, :channel_secret, :channel_token, :webhook_url, :status, :active,
                :quiet_hours_enabled, :quiet_start, :quiet_end,
                :last_webhook_at, :last_activity_at, :last_send_failure_at, :created_at, :updated_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, integ)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating integration", "channel_id", integ.ChannelID, "error", err)
		return fmt.Errorf("failed to create integration %q: %w", integ.ChannelID, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		integ.ID = id
	}
	return nil
}

func (s *sqlxStore) GetIntegrationByID(ctx context.Context, id int64) (*Integration, error) {
	var integ Integration
	err := s.db.GetContext(ctx, &integ, `SELECT * FROM integrations WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get integration %d: %w", id, err)
	}
	return &integ, nil
}

func (s *sqlxStore) GetIntegrationByChannelID(ctx context.Context, channelID string) (*Integration, error) {
	var integ Integration
	err := s.db.GetContext(ctx, &integ, `SELECT * FROM integrations WHERE channel_id = ?`, channelID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get integration for channel %q: %w", channelID, err)
	}
	return &integ, nil
}

func (s *sqlxStore) ListActiveIntegrations(ctx context.Context) ([]*Integration, error) {
	var integrations []*Integration
	err := s.db.SelectContext(ctx, &integrations, `SELECT * FROM integrations WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active integrations: %w", err)
	}
	return integrations, nil
}

func (s *sqlxStore) SetIntegrationRegistered(ctx context.Context, id int64, webhookURL string) error {
	query := `UPDATE integrations SET webhook_url = ?, status = ?, active = 1, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, webhookURL, IntegrationStatusActive, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark integration %d registered: %w", id, err)
	}
	s.logger.InfoContext(ctx, "Integration registered", "integration_id", id, "webhook_url", webhookURL)
	return nil
}

func (s *sqlxStore) SetIntegrationStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE integrations SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to set integration %d status to %q: %w", id, status, err)
	}
	s.logger.InfoContext(ctx, "Integration status updated", "integration_id", id, "status", status)
	return nil
}

func (s *sqlxStore) UpdateIntegrationSettings(ctx context.Context, id int64, secret, token string, quietEnabled bool, quietStart, quietEnd string) error {
	query := `
        UPDATE integrations
        SET channel_secret = ?, channel_token = ?, quiet_hours_enabled = ?, quiet_start = ?, quiet_end = ?, updated_at = ?
        WHERE id = ?;
    `
	if _, err := s.db.ExecContext(ctx, query, secret, token, quietEnabled, quietStart, quietEnd, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update settings for integration %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) TouchIntegrationWebhook(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE integrations SET last_webhook_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch webhook timestamp for integration %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) TouchIntegrationActivity(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE integrations SET last_activity_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch activity timestamp for integration %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) RecordIntegrationSendFailure(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE integrations SET last_send_failure_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to record send failure for integration %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) GetGroupByID(ctx context.Context, id int64) (*Group, error) {
	var group Group
	err := s.db.GetContext(ctx, &group, `SELECT * FROM chat_groups WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get group %d: %w", id, err)
	}
	return &group, nil
}

func (s *sqlxStore) GetGroupByExternalID(ctx context.Context, integrationID int64, externalID string) (*Group, error) {
	var group Group
	err := s.db.GetContext(ctx, &group,
		`SELECT * FROM chat_groups WHERE integration_id = ? AND external_id = ?`, integrationID, externalID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get group %q under integration %d: %w", externalID, integrationID, err)
	}
	return &group, nil
}

func (s *sqlxStore) FindGroupByExternalID(ctx context.Context, externalID string) (*Group, error) {
	var group Group
	err := s.db.GetContext(ctx, &group,
		`SELECT * FROM chat_groups WHERE external_id = ? ORDER BY id LIMIT 1`, externalID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find group %q: %w", externalID, err)
	}
	return &group, nil
}

func (s *sqlxStore) CreateGroupIfAbsent(ctx context.Context, group *Group) (*Group, error) {
	if group == nil {
		return nil, fmt.Errorf("cannot create nil group")
	}
	if group.ExternalID == "" {
		return nil, fmt.Errorf("group must have an external_id")
	}
	if group.IntegrationID == 0 {
		return nil, fmt.Errorf("group must have an integration_id")
	}

	now := time.Now().UTC()
	group.CreatedAt = now
	group.UpdatedAt = now

	// The unique (integration_id, external_id) constraint makes this an
	// atomic create-if-absent: a concurrent duplicate insert loses the race
	// and falls through to the fetch below.
	query := `
        INSERT INTO chat_groups (integration_id, external_id, name, member_count, active, auto_parse,
                            last_activity_at, created_at, updated_at)
        VALUES (:integration_id, :external_id, :name, :member_count, :active, :auto_parse,
                :last_activity_at, :created_at, :updated_at)
        ON CONFLICT (integration_id, external_id) DO NOTHING;
    `
	result, err := s.db.NamedExecContext(ctx, query, group)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating group", "external_id", group.ExternalID, "error", err)
		return nil, fmt.Errorf("failed to create group %q: %w", group.ExternalID, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 1 {
		if id, idErr := result.LastInsertId(); idErr == nil {
			group.ID = id
		}
		s.logger.InfoContext(ctx, "Group created", "group_id", group.ID, "external_id", group.ExternalID, "integration_id", group.IntegrationID)
		return group, nil
	}

	existing, err := s.GetGroupByExternalID(ctx, group.IntegrationID, group.ExternalID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("group %q vanished after conflicting insert", group.ExternalID)
	}
	return existing, nil
}

func (s *sqlxStore) TouchGroupActivity(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE chat_groups SET last_activity_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch activity for group %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) SetGroupActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE chat_groups SET active = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, active, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to set active flag for group %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) SetGroupMemberCount(ctx context.Context, id int64, count int) error {
	query := `UPDATE chat_groups SET member_count = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, count, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to set member count for group %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) CreateMessageIfAbsent(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("cannot save nil message")
	}
	if msg.ExternalID == "" {
		return false, fmt.Errorf("message must have an external_id")
	}
	if msg.GroupID == 0 {
		return false, fmt.Errorf("message must have a group_id")
	}
	if msg.Timestamp.IsZero() {
		return false, fmt.Errorf("message must have a non-zero timestamp")
	}

	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.Errors == "" {
		msg.Errors = "[]"
	}

	// Redelivery of the same external id is the expected duplicate path:
	// the unique constraint swallows the insert and affected rows is zero.
	query := `
        INSERT INTO messages (external_id, group_id, user_id, content, kind, processed, intent,
                              confidence, parsed_content, task_id, errors, timestamp, created_at, updated_at)
        VALUES (:external_id, :group_id, :user_id, :content, :kind, :processed, :intent,
                :confidence, :parsed_content, :task_id, :errors, :timestamp, :created_at, :updated_at)
        ON CONFLICT (external_id) DO NOTHING;
    `
	result, err := s.db.NamedExecContext(ctx, query, msg)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message", "external_id", msg.ExternalID, "group_id", msg.GroupID, "error", err)
		return false, fmt.Errorf("failed to save message %q: %w", msg.ExternalID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not get affected row count after saving message", "external_id", msg.ExternalID, "error", err)
	}
	if affected == 0 {
		s.logger.DebugContext(ctx, "Duplicate message delivery skipped", "external_id", msg.ExternalID)
		return false, nil
	}

	if id, err := result.LastInsertId(); err == nil {
		msg.ID = id
	}
	s.logger.DebugContext(ctx, "Message saved", "message_id", msg.ID, "external_id", msg.ExternalID, "group_id", msg.GroupID)
	return true, nil
}

func (s *sqlxStore) GetMessageByID(ctx context.Context, id int64) (*Message, error) {
	var msg Message
	err := s.db.GetContext(ctx, &msg, `SELECT * FROM messages WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return &msg, nil
}

func (s *sqlxStore) MarkMessageProcessed(ctx context.Context, id int64, intent string, confidence float64, parsedContent string, taskID sql.NullInt64) error {
	query := `
        UPDATE messages
        SET processed = 1, intent = ?, confidence = ?, parsed_content = ?, task_id = ?, updated_at = ?
        WHERE id = ?;
    `
	result, err := s.db.ExecContext(ctx, query, intent, confidence, parsedContent, taskID, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking message processed", "message_id", id, "error", err)
		return fmt.Errorf("failed to mark message %d processed: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected != 1 {
		s.logger.WarnContext(ctx, "Unexpected number of rows affected marking message processed", "message_id", id, "affected", affected)
	}
	return nil
}

func (s *sqlxStore) AppendMessageError(ctx context.Context, id int64, procErr ProcessingError) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	var raw string
	if err := tx.GetContext(ctx, &raw, `SELECT errors FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to load error record for message %d: %w", id, err)
	}

	var record []ProcessingError
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			s.logger.WarnContext(ctx, "Resetting unreadable message error record", "message_id", id, "error", err)
			record = nil
		}
	}

	record = append(record, procErr)
	if len(record) > MaxMessageErrors {
		record = record[len(record)-MaxMessageErrors:]
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode error record for message %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET errors = ?, updated_at = ? WHERE id = ?`, string(encoded), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to append error record for message %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil
	return nil
}

func (s *sqlxStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("cannot create nil task")
	}
	if task.Title == "" {
		return fmt.Errorf("task must have a title")
	}
	if task.Status == "" {
		task.Status = "open"
	}

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	query := `
        INSERT INTO tasks (group_id, title, status, assignee, due_at, created_at, updated_at)
        VALUES (:group_id, :title, :status, :assignee, :due_at, :created_at, :updated_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, task)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating task", "group_id", task.GroupID, "error", err)
		return fmt.Errorf("failed to create task: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		task.ID = id
	}
	s.logger.InfoContext(ctx, "Task created", "task_id", task.ID, "group_id", task.GroupID)
	return nil
}

func (s *sqlxStore) GetTaskByID(ctx context.Context, id int64) (*Task, error) {
	var task Task
	err := s.db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return &task, nil
}

func (s *sqlxStore) EnqueueJob(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("cannot enqueue nil job")
	}
	if job.ID == "" {
		return fmt.Errorf("job must have an id")
	}
	if job.Kind == "" {
		return fmt.Errorf("job must have a kind")
	}
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	if job.Payload == "" {
		job.Payload = "{}"
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.RunAt.IsZero() {
		job.RunAt = now
	}

	query := `
        INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at)
        VALUES (:id, :kind, :payload, :status, :attempts, :max_attempts, :run_at, :last_error, :created_at, :updated_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		s.logger.ErrorContext(ctx, "Error enqueueing job", "kind", job.Kind, "error", err)
		return fmt.Errorf("failed to enqueue %s job: %w", job.Kind, err)
	}
	s.logger.DebugContext(ctx, "Job enqueued", "job_id", job.ID, "kind", job.Kind, "run_at", job.RunAt)
	return nil
}

func (s *sqlxStore) ClaimJob(ctx context.Context, now time.Time) (*Job, error) {
	// Single UPDATE ... RETURNING keeps the claim atomic under concurrent
	// workers; SQLite serializes writers so at most one wins per job.
	query := `
        UPDATE jobs
        SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = (
            SELECT id FROM jobs
            WHERE status = ? AND run_at <= ?
            ORDER BY run_at ASC, created_at ASC
            LIMIT 1
        )
        RETURNING id, kind, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at;
    `
	var job Job
	err := s.db.GetContext(ctx, &job, query,
		JobStatusProcessing, now.UTC(), JobStatusPending, now.UTC())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &job, nil
}

func (s *sqlxStore) CompleteJob(ctx context.Context, id string) error {
	query := `UPDATE jobs SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, JobStatusProcessed, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error {
	query := `UPDATE jobs SET status = ?, run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, JobStatusPending, runAt.UTC(), lastError, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) MarkJobDead(ctx context.Context, id string, lastError string) error {
	query := `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, JobStatusDead, lastError, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark job %s dead: %w", id, err)
	}
	s.logger.WarnContext(ctx, "Job parked as dead", "job_id", id, "last_error", lastError)
	return nil
}

func (s *sqlxStore) RequeueStuckJobs(ctx context.Context, before time.Time) (int64, error) {
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`
	result, err := s.db.ExecContext(ctx, query, JobStatusPending, time.Now().UTC(), JobStatusProcessing, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck jobs: %w", err)
	}
	count, _ := result.RowsAffected()
	if count > 0 {
		s.logger.InfoContext(ctx, "Requeued stuck jobs", "count", count)
	}
	return count, nil
}
