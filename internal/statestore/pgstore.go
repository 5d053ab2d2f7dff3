// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"playbook-platform/internal/playbook"
)

// Schema 建表语句；由 devops 工具或部署脚本应用
const Schema = `
CREATE TABLE IF NOT EXISTS playbook_runs (
    org_id          TEXT NOT NULL,
    run_id          TEXT NOT NULL,
    playbook_name   TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    current_step_id TEXT NOT NULL DEFAULT '',
    run_context     JSONB NOT NULL DEFAULT '{}',
    error           JSONB,
    summary         TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    heartbeat_at    TIMESTAMPTZ,
    PRIMARY KEY (org_id, run_id)
);

CREATE TABLE IF NOT EXISTS run_steps (
    org_id         TEXT NOT NULL,
    run_id         TEXT NOT NULL,
    step_id        TEXT NOT NULL,
    step_order     INT  NOT NULL DEFAULT 0,
    title          TEXT NOT NULL DEFAULT '',
    dependencies   JSONB NOT NULL DEFAULT '[]',
    timeout_minutes INT NOT NULL DEFAULT 30,
    image          TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    error          JSONB,
    result_summary TEXT NOT NULL DEFAULT '',
    job_name       TEXT NOT NULL DEFAULT '',
    checkpoint     JSONB,
    started_at     TIMESTAMPTZ,
    completed_at   TIMESTAMPTZ,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (org_id, run_id, step_id)
);

CREATE TABLE IF NOT EXISTS run_events (
    id         TEXT PRIMARY KEY,
    org_id     TEXT NOT NULL,
    run_id     TEXT NOT NULL,
    step_id    TEXT NOT NULL DEFAULT '',
    type       TEXT NOT NULL,
    payload    JSONB,
    question_id TEXT NOT NULL DEFAULT '',
    approval_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS run_events_by_run ON run_events (org_id, run_id, created_at);

CREATE TABLE IF NOT EXISTS run_inputs (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL,
    run_id      TEXT NOT NULL,
    question_id TEXT NOT NULL DEFAULT '',
    approval_id TEXT NOT NULL DEFAULT '',
    type        TEXT NOT NULL,
    payload     JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS run_inputs_by_question ON run_inputs (org_id, run_id, question_id);

CREATE TABLE IF NOT EXISTS run_files (
    id           TEXT PRIMARY KEY,
    org_id       TEXT NOT NULL,
    run_id       TEXT NOT NULL,
    step_id      TEXT NOT NULL DEFAULT '',
    name         TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    size         BIGINT NOT NULL DEFAULT 0,
    url          TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orgs (
    org_id TEXT PRIMARY KEY,
    fields JSONB NOT NULL DEFAULT '{}',
    ai_config JSONB
);

CREATE TABLE IF NOT EXISTS org_members (
    org_id       TEXT NOT NULL,
    email        TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL,
    PRIMARY KEY (org_id, email, role)
);

CREATE TABLE IF NOT EXISTS org_secrets (
    org_id     TEXT NOT NULL,
    connection TEXT NOT NULL,
    token      TEXT NOT NULL,
    PRIMARY KEY (org_id, connection)
);
`

// Postgres PostgreSQL 后端；OpenRun 返回 run 作用域的 Store
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 创建 PostgreSQL 后端并校验连通性
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("statestore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// ApplySchema 应用建表语句（幂等）
func (p *Postgres) ApplySchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, Schema)
	return err
}

// Close 关闭连接池
func (p *Postgres) Close() {
	p.pool.Close()
}

// OpenRun 打开 run 作用域视图；run 不存在不报错，后续访问返回 ErrRunNotFound
func (p *Postgres) OpenRun(ctx context.Context, orgID, runID string) (Store, error) {
	return &pgStore{pool: p.pool, orgID: orgID, runID: runID}, nil
}

type pgStore struct {
	pool  *pgxpool.Pool
	orgID string
	runID string
}

func (s *pgStore) Close() {}

func (s *pgStore) ReadRun(ctx context.Context) (*Run, error) {
	var (
		r           Run
		contextJSON []byte
		errJSON     []byte
		statusStr   string
		heartbeat   *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, org_id, playbook_name, status, current_step_id, run_context, error, summary,
		       created_at, updated_at, heartbeat_at
		FROM playbook_runs WHERE org_id = $1 AND run_id = $2`,
		s.orgID, s.runID,
	).Scan(&r.ID, &r.OrgID, &r.PlaybookName, &statusStr, &r.CurrentStepID,
		&contextJSON, &errJSON, &r.Summary, &r.CreatedAt, &r.UpdatedAt, &heartbeat)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	status, err := ParseRunStatus(statusStr)
	if err != nil {
		return nil, err
	}
	r.Status = status
	if heartbeat != nil {
		r.HeartbeatAt = *heartbeat
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &r.Context); err != nil {
			return nil, fmt.Errorf("statestore: decode run context: %w", err)
		}
	}
	if len(errJSON) > 0 {
		var info ErrorInfo
		if err := json.Unmarshal(errJSON, &info); err != nil {
			return nil, fmt.Errorf("statestore: decode run error: %w", err)
		}
		r.Error = &info
	}
	return &r, nil
}

func (s *pgStore) UpdateRunStatus(ctx context.Context, status RunStatus, update RunUpdate) error {
	var errJSON any
	if update.Error != nil {
		data, err := json.Marshal(update.Error)
		if err != nil {
			return err
		}
		errJSON = data
	}
	cmd, err := s.pool.Exec(ctx, `
		UPDATE playbook_runs SET
			status = $3,
			error = COALESCE($4, error),
			summary = COALESCE($5, summary),
			current_step_id = COALESCE($6, current_step_id),
			updated_at = now()
		WHERE org_id = $1 AND run_id = $2`,
		s.orgID, s.runID, string(status), errJSON, update.Summary, update.CurrentStepID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *pgStore) UpdateRunContext(ctx context.Context, context map[string]any) error {
	data, err := json.Marshal(context)
	if err != nil {
		return err
	}
	cmd, err := s.pool.Exec(ctx, `
		UPDATE playbook_runs SET run_context = run_context || $3::jsonb, updated_at = now()
		WHERE org_id = $1 AND run_id = $2`,
		s.orgID, s.runID, data)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *pgStore) Heartbeat(ctx context.Context) error {
	var statusStr string
	err := s.pool.QueryRow(ctx, `
		UPDATE playbook_runs SET heartbeat_at = now()
		WHERE org_id = $1 AND run_id = $2
		RETURNING status`,
		s.orgID, s.runID).Scan(&statusStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRunNotFound
		}
		return err
	}
	if RunStatus(statusStr) == RunAborted {
		return ErrRunAborted
	}
	return nil
}

func (s *pgStore) InitializeSteps(ctx context.Context, steps []playbook.Step) error {
	batch := &pgx.Batch{}
	for _, step := range steps {
		deps, err := json.Marshal(step.Dependencies)
		if err != nil {
			return fmt.Errorf("statestore: encode step dependencies: %w", err)
		}
		batch.Queue(`
			INSERT INTO run_steps (org_id, run_id, step_id, step_order, title, dependencies, timeout_minutes, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
			ON CONFLICT (org_id, run_id, step_id) DO NOTHING`,
			s.orgID, s.runID, step.ID, step.Order, step.Title, deps, step.TimeoutMinutes)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

const stepColumns = `step_id, step_order, title, dependencies, timeout_minutes, image, status, error,
	       result_summary, job_name, started_at, completed_at, updated_at`

func scanStep(row pgx.Row) (*StepDoc, error) {
	var (
		doc       StepDoc
		depsJSON  []byte
		statusStr string
		errJSON   []byte
		started   *time.Time
		completed *time.Time
	)
	err := row.Scan(&doc.ID, &doc.Order, &doc.Title, &depsJSON, &doc.TimeoutMinutes, &doc.Image,
		&statusStr, &errJSON, &doc.ResultSummary, &doc.JobName, &started, &completed, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, err
	}
	status, err := ParseStepStatus(statusStr)
	if err != nil {
		return nil, err
	}
	doc.Status = status
	if len(depsJSON) > 0 {
		if err := json.Unmarshal(depsJSON, &doc.Dependencies); err != nil {
			return nil, fmt.Errorf("statestore: decode step dependencies: %w", err)
		}
	}
	if started != nil {
		doc.StartedAt = *started
	}
	if completed != nil {
		doc.CompletedAt = *completed
	}
	if len(errJSON) > 0 {
		var info ErrorInfo
		if err := json.Unmarshal(errJSON, &info); err != nil {
			return nil, fmt.Errorf("statestore: decode step error: %w", err)
		}
		doc.Error = &info
	}
	return &doc, nil
}

func (s *pgStore) ReadStep(ctx context.Context, stepID string) (*StepDoc, error) {
	return scanStep(s.pool.QueryRow(ctx, `
		SELECT `+stepColumns+`
		FROM run_steps WHERE org_id = $1 AND run_id = $2 AND step_id = $3`,
		s.orgID, s.runID, stepID))
}

func (s *pgStore) ListSteps(ctx context.Context) ([]StepDoc, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+`
		FROM run_steps WHERE org_id = $1 AND run_id = $2 ORDER BY step_order`,
		s.orgID, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepDoc
	for rows.Next() {
		doc, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

func (s *pgStore) ReadStepStatus(ctx context.Context, stepID string) (StepStatus, error) {
	var statusStr string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM run_steps WHERE org_id = $1 AND run_id = $2 AND step_id = $3`,
		s.orgID, s.runID, stepID).Scan(&statusStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrStepNotFound
		}
		return "", err
	}
	return ParseStepStatus(statusStr)
}

func (s *pgStore) UpdateStepStatus(ctx context.Context, stepID string, status StepStatus, update StepUpdate) error {
	var errJSON any
	if update.Error != nil {
		data, err := json.Marshal(update.Error)
		if err != nil {
			return err
		}
		errJSON = data
	}
	// 终态粘滞：WHERE 子句排除已终结的 step，改写静默失效
	cmd, err := s.pool.Exec(ctx, `
		UPDATE run_steps SET
			status = $4,
			error = COALESCE($5, error),
			result_summary = COALESCE($6, result_summary),
			job_name = COALESCE($7, job_name),
			image = COALESCE($8, image),
			started_at = CASE WHEN $4 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $4 IN ('completed','failed','skipped') THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE org_id = $1 AND run_id = $2 AND step_id = $3
		  AND status NOT IN ('completed','failed','skipped')`,
		s.orgID, s.runID, stepID, string(status), errJSON, update.ResultSummary, update.JobName, update.Image)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		// 区分「不存在」与「已终结」：后者为 no-op
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM run_steps WHERE org_id = $1 AND run_id = $2 AND step_id = $3)`,
			s.orgID, s.runID, stepID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrStepNotFound
		}
	}
	return nil
}

func (s *pgStore) ReadAllStepResults(ctx context.Context) ([]StepResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step_id, title, result_summary FROM run_steps
		WHERE org_id = $1 AND run_id = $2 AND status = 'completed'
		ORDER BY step_order`,
		s.orgID, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepResult
	for rows.Next() {
		var r StepResult
		if err := rows.Scan(&r.StepID, &r.Title, &r.ResultSummary); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgStore) AppendEvent(ctx context.Context, event Event) (string, error) {
	if event.ID == "" {
		event.ID = "ev-" + uuid.New().String()
	}
	var payload []byte
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return "", err
		}
		payload = data
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_events (id, org_id, run_id, step_id, type, payload, question_id, approval_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, s.orgID, s.runID, event.StepID, string(event.Type), payload,
		event.QuestionID, event.ApprovalID)
	if err != nil {
		return "", err
	}
	return event.ID, nil
}

func (s *pgStore) ReadInput(ctx context.Context, inputID string) (*Input, error) {
	return s.scanInput(s.pool.QueryRow(ctx, `
		SELECT id, question_id, approval_id, type, payload, created_at
		FROM run_inputs WHERE org_id = $1 AND run_id = $2 AND id = $3`,
		s.orgID, s.runID, inputID))
}

func (s *pgStore) ReadInputByQuestionID(ctx context.Context, questionID string) (*Input, error) {
	return s.scanInput(s.pool.QueryRow(ctx, `
		SELECT id, question_id, approval_id, type, payload, created_at
		FROM run_inputs WHERE org_id = $1 AND run_id = $2
		  AND (question_id = $3 OR approval_id = $3)
		ORDER BY created_at DESC LIMIT 1`,
		s.orgID, s.runID, questionID))
}

func (s *pgStore) scanInput(row pgx.Row) (*Input, error) {
	var (
		in      Input
		typeStr string
		payload []byte
	)
	err := row.Scan(&in.ID, &in.QuestionID, &in.ApprovalID, &typeStr, &payload, &in.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInputNotFound
		}
		return nil, err
	}
	inputType, err := ParseInputType(typeStr)
	if err != nil {
		return nil, err
	}
	in.Type = inputType
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &in.Payload); err != nil {
			return nil, fmt.Errorf("statestore: decode input payload: %w", err)
		}
	}
	return &in, nil
}

func (s *pgStore) SaveCheckpoint(ctx context.Context, stepID string, cp Checkpoint) error {
	cp.CreatedAt = time.Now()
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	cmd, err := s.pool.Exec(ctx, `
		UPDATE run_steps SET checkpoint = $4, updated_at = now()
		WHERE org_id = $1 AND run_id = $2 AND step_id = $3`,
		s.orgID, s.runID, stepID, data)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStepNotFound
	}
	return nil
}

func (s *pgStore) LoadCheckpoint(ctx context.Context, stepID string) (*Checkpoint, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT checkpoint FROM run_steps WHERE org_id = $1 AND run_id = $2 AND step_id = $3`,
		s.orgID, s.runID, stepID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrCheckpointNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("statestore: decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *pgStore) ClearCheckpoint(ctx context.Context, stepID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_steps SET checkpoint = NULL, updated_at = now()
		WHERE org_id = $1 AND run_id = $2 AND step_id = $3`,
		s.orgID, s.runID, stepID)
	return err
}

func (s *pgStore) AddFile(ctx context.Context, file File) (string, error) {
	if file.ID == "" {
		file.ID = "file-" + uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_files (id, org_id, run_id, step_id, name, content_type, size, url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		file.ID, s.orgID, s.runID, file.StepID, file.Name, file.ContentType, file.Size, file.URL)
	if err != nil {
		return "", err
	}
	return file.ID, nil
}

func (s *pgStore) ReadAllFiles(ctx context.Context) ([]File, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, step_id, name, content_type, size, url, created_at
		FROM run_files WHERE org_id = $1 AND run_id = $2 ORDER BY created_at`,
		s.orgID, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.StepID, &f.Name, &f.ContentType, &f.Size, &f.URL, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *pgStore) ReadContext(ctx context.Context) (map[string]any, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT run_context FROM playbook_runs WHERE org_id = $1 AND run_id = $2`,
		s.orgID, s.runID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	out := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("statestore: decode run context: %w", err)
		}
	}
	return out, nil
}

func (s *pgStore) ReadOrg(ctx context.Context) (map[string]any, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT fields FROM orgs WHERE org_id = $1`, s.orgID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	out := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("statestore: decode org fields: %w", err)
		}
	}
	return out, nil
}

func (s *pgStore) ReadRoleMembers(ctx context.Context, role string) ([]Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT email, display_name, role FROM org_members WHERE org_id = $1 AND role = $2 ORDER BY email`,
		s.orgID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Email, &m.DisplayName, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *pgStore) ReadOAuthToken(ctx context.Context, connection string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx,
		`SELECT token FROM org_secrets WHERE org_id = $1 AND connection = $2`,
		s.orgID, connection).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return token, nil
}

func (s *pgStore) ReadAIConfig(ctx context.Context) (*AIConfig, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT ai_config FROM orgs WHERE org_id = $1`, s.orgID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var cfg AIConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("statestore: decode ai config: %w", err)
	}
	return &cfg, nil
}
