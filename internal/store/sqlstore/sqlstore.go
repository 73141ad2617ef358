// Package sqlstore is the SQL-backed store.Store, supporting SQLite
// (github.com/mattn/go-sqlite3, dev/single-binary deployments) and Postgres
// (github.com/jackc/pgx/v5/stdlib, production) behind one Driver switch,
// mirroring the teacher's task/repository split.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ctrlplane/gateway/internal/platform/config"
	"github.com/ctrlplane/gateway/internal/store"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// SQLStore implements store.Store over database/sql, with queries built
// per-driver since SQLite and Postgres disagree on placeholder syntax and a
// few column types.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
}

var _ store.Store = (*SQLStore)(nil)

// New opens the database described by cfg and initializes its schema.
func New(cfg config.DatabaseConfig) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case "postgres":
		db, err = sql.Open("pgx", cfg.DSN())
	case "sqlite", "":
		db, err = sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on&_journal_mode=WAL")
		if err == nil {
			db.SetMaxOpenConns(1) // SQLite only supports one writer
			db.SetMaxIdleConns(1)
		}
	default:
		return nil, fmt.Errorf("sqlstore: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to open database: %w", err)
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	s := &SQLStore{db: db, driver: driver}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// ph renders the nth (1-based) bind placeholder for the active driver.
func (s *SQLStore) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) initSchema() error {
	var timestampType, textType, serialPK string
	if s.driver == "postgres" {
		timestampType = "TIMESTAMPTZ"
		textType = "TEXT"
		serialPK = "BIGSERIAL"
	} else {
		timestampType = "DATETIME"
		textType = "TEXT"
		serialPK = "INTEGER"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS runs (
		id %[2]s PRIMARY KEY,
		worker_type %[2]s NOT NULL,
		command %[2]s DEFAULT '',
		model %[2]s DEFAULT '',
		integration %[2]s DEFAULT '',
		provider %[2]s DEFAULT '',
		autonomous BOOLEAN DEFAULT FALSE,
		working_dir %[2]s DEFAULT '',
		assigned_agent_id %[2]s DEFAULT '',
		capability_token %[2]s DEFAULT '',
		status %[2]s NOT NULL,
		exit_code INTEGER,
		restarted_from %[2]s DEFAULT '',
		resumed_from %[2]s DEFAULT '',
		created_at %[1]s NOT NULL,
		started_at %[1]s,
		finished_at %[1]s
	);

	CREATE TABLE IF NOT EXISTS events (
		seq %[3]s PRIMARY KEY AUTOINCREMENT_PLACEHOLDER,
		run_id %[2]s NOT NULL,
		event_id BIGINT NOT NULL,
		event_type %[2]s NOT NULL,
		data TEXT NOT NULL,
		sender_seq BIGINT,
		created_at %[1]s NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, event_id);

	CREATE TABLE IF NOT EXISTS commands (
		id %[2]s PRIMARY KEY,
		run_id %[2]s NOT NULL,
		command TEXT NOT NULL,
		status %[2]s NOT NULL,
		result TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at %[1]s NOT NULL,
		acked_at %[1]s,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_commands_run_id ON commands(run_id, created_at);

	CREATE TABLE IF NOT EXISTS agents (
		id %[2]s PRIMARY KEY,
		label %[2]s DEFAULT '',
		version %[2]s DEFAULT '',
		capabilities TEXT DEFAULT '[]',
		liveness %[2]s NOT NULL,
		last_seen_at %[1]s,
		registered_at %[1]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nonces (
		nonce %[2]s PRIMARY KEY,
		created_at %[1]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_state (
		run_id %[2]s PRIMARY KEY,
		sequence BIGINT NOT NULL,
		working_dir %[2]s DEFAULT '',
		worker_type %[2]s DEFAULT '',
		model %[2]s DEFAULT '',
		saved_at %[1]s NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`, timestampType, textType, serialPK)

	if s.driver == "sqlite" {
		schema = replaceAll(schema, "AUTOINCREMENT_PLACEHOLDER", "AUTOINCREMENT")
	} else {
		schema = replaceAll(schema, "seq BIGSERIAL PRIMARY KEY AUTOINCREMENT_PLACEHOLDER", "seq BIGSERIAL PRIMARY KEY")
	}

	_, err := s.db.Exec(schema)
	return err
}

func replaceAll(s, old, new string) string {
	for {
		idx := indexOf(s, old)
		if idx < 0 {
			return s
		}
		s = s[:idx] + new + s[idx+len(old):]
	}
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// --- Run operations ---

func (s *SQLStore) CreateRun(ctx context.Context, run *v1.Run) error {
	q := fmt.Sprintf(`INSERT INTO runs (id, worker_type, command, model, integration, provider, autonomous, working_dir, assigned_agent_id, capability_token, status, restarted_from, resumed_from, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12), s.ph(13), s.ph(14))
	_, err := s.db.ExecContext(ctx, q,
		run.ID, run.WorkerType, run.Command, run.Model, run.Integration, run.Provider,
		run.Autonomous, run.WorkingDir, run.AssignedAgentID, run.CapabilityToken, run.Status,
		run.RestartedFrom, run.ResumedFrom, run.CreatedAt)
	return err
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	q := fmt.Sprintf(`SELECT id, worker_type, command, model, integration, provider, autonomous, working_dir,
		assigned_agent_id, capability_token, status, exit_code, restarted_from, resumed_from, created_at, started_at, finished_at
		FROM runs WHERE id = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return run, err
}

func scanRun(row *sql.Row) (*v1.Run, error) {
	var r v1.Run
	var exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.WorkerType, &r.Command, &r.Model, &r.Integration, &r.Provider, &r.Autonomous,
		&r.WorkingDir, &r.AssignedAgentID, &r.CapabilityToken, &r.Status, &exitCode, &r.RestartedFrom,
		&r.ResumedFrom, &r.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter v1.RunFilter) ([]*v1.Run, error) {
	q := `SELECT id, worker_type, command, model, integration, provider, autonomous, working_dir,
		assigned_agent_id, capability_token, status, exit_code, restarted_from, resumed_from, created_at, started_at, finished_at
		FROM runs WHERE 1=1`
	var args []interface{}
	n := 1
	if filter.Status != "" {
		q += fmt.Sprintf(" AND status = %s", s.ph(n))
		args = append(args, filter.Status)
		n++
	}
	if filter.WorkerType != "" {
		q += fmt.Sprintf(" AND worker_type = %s", s.ph(n))
		args = append(args, filter.WorkerType)
		n++
	}
	if filter.ClientID != "" {
		q += fmt.Sprintf(" AND assigned_agent_id = %s", s.ph(n))
		args = append(args, filter.ClientID)
		n++
	}
	q += " ORDER BY created_at"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Run
	for rows.Next() {
		var r v1.Run
		var exitCode sql.NullInt64
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.WorkerType, &r.Command, &r.Model, &r.Integration, &r.Provider, &r.Autonomous,
			&r.WorkingDir, &r.AssignedAgentID, &r.CapabilityToken, &r.Status, &exitCode, &r.RestartedFrom,
			&r.ResumedFrom, &r.CreatedAt, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			r.ExitCode = &v
		}
		if startedAt.Valid {
			r.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateRunStatus(ctx context.Context, id string, status v1.RunStatus, exitCode *int) error {
	now := time.Now().UTC()
	var q string
	var args []interface{}
	switch status {
	case v1.RunStatusRunning:
		q = fmt.Sprintf(`UPDATE runs SET status = %s, started_at = COALESCE(started_at, %s) WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3))
		args = []interface{}{status, now, id}
	case v1.RunStatusDone, v1.RunStatusFailed:
		q = fmt.Sprintf(`UPDATE runs SET status = %s, finished_at = COALESCE(finished_at, %s), exit_code = %s WHERE id = %s`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		args = []interface{}{status, now, exitCode, id}
	default:
		q = fmt.Sprintf(`UPDATE runs SET status = %s WHERE id = %s`, s.ph(1), s.ph(2))
		args = []interface{}{status, id}
	}
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

func (s *SQLStore) UpdateRunAssignment(ctx context.Context, id, agentID string) error {
	q := fmt.Sprintf(`UPDATE runs SET assigned_agent_id = %s WHERE id = %s`, s.ph(1), s.ph(2))
	result, err := s.db.ExecContext(ctx, q, agentID, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

func (s *SQLStore) DeleteRun(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM runs WHERE id = %s`, s.ph(1))
	result, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result); err != nil {
		return err
	}
	// Cascades are enforced by FK constraints where supported; SQLite needs
	// foreign_keys=on (set at connect time) for ON DELETE CASCADE to fire.
	return nil
}

func checkRowsAffected(result sql.Result) error {
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Event operations ---

func (s *SQLStore) AppendEvent(ctx context.Context, runID string, eventType v1.EventType, data string, senderSeq *int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxID sql.NullInt64
	q := fmt.Sprintf(`SELECT MAX(event_id) FROM events WHERE run_id = %s`, s.ph(1))
	if err := tx.QueryRowContext(ctx, q, runID).Scan(&maxID); err != nil {
		return 0, err
	}
	nextID := int64(1)
	if maxID.Valid {
		nextID = maxID.Int64 + 1
	}

	ins := fmt.Sprintf(`INSERT INTO events (run_id, event_id, event_type, data, sender_seq, created_at) VALUES (%s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	if _, err := tx.ExecContext(ctx, ins, runID, nextID, eventType, data, senderSeq, time.Now().UTC()); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return nextID, nil
}

func (s *SQLStore) ReadEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*v1.Event, error) {
	q := fmt.Sprintf(`SELECT event_id, run_id, event_type, data, created_at, sender_seq FROM events
		WHERE run_id = %s AND event_id > %s ORDER BY event_id`, s.ph(1), s.ph(2))
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, q, runID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Event
	for rows.Next() {
		var ev v1.Event
		var senderSeq sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Type, &ev.Data, &ev.Timestamp, &senderSeq); err != nil {
			return nil, err
		}
		if senderSeq.Valid {
			ev.SenderSeq = &senderSeq.Int64
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- Command operations ---

func (s *SQLStore) EnqueueCommand(ctx context.Context, cmd *v1.Command) error {
	q := fmt.Sprintf(`INSERT INTO commands (id, run_id, command, status, created_at) VALUES (%s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, q, cmd.ID, cmd.RunID, cmd.Command, cmd.Status, cmd.CreatedAt)
	return err
}

func (s *SQLStore) PollCommands(ctx context.Context, runID string) ([]*v1.Command, error) {
	q := fmt.Sprintf(`SELECT id, run_id, command, status, result, error, created_at, acked_at FROM commands
		WHERE run_id = %s AND status = %s ORDER BY created_at`, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, q, runID, v1.CommandPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Command
	for rows.Next() {
		var c v1.Command
		var ackedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.RunID, &c.Command, &c.Status, &c.Result, &c.Error, &c.CreatedAt, &ackedAt); err != nil {
			return nil, err
		}
		if ackedAt.Valid {
			c.AckedAt = &ackedAt.Time
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLStore) AckCommand(ctx context.Context, runID, cmdID, result, errText string) error {
	checkQ := fmt.Sprintf(`SELECT status FROM commands WHERE id = %s AND run_id = %s`, s.ph(1), s.ph(2))
	var status v1.CommandStatus
	if err := s.db.QueryRowContext(ctx, checkQ, cmdID, runID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}
	if status == v1.CommandCompleted {
		return nil // idempotent re-ack
	}

	q := fmt.Sprintf(`UPDATE commands SET status = %s, result = %s, error = %s, acked_at = %s WHERE id = %s AND run_id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	_, err := s.db.ExecContext(ctx, q, v1.CommandCompleted, result, errText, time.Now().UTC(), cmdID, runID)
	return err
}

// --- Agent operations ---

func (s *SQLStore) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	capsJSON := joinCapabilities(agent.Capabilities)
	if s.driver == "postgres" {
		q := `INSERT INTO agents (id, label, version, capabilities, liveness, last_seen_at, registered_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET label = $2, version = $3, capabilities = $4, liveness = $5, last_seen_at = $6`
		_, err := s.db.ExecContext(ctx, q, agent.ID, agent.Label, agent.Version, capsJSON, agent.Liveness, agent.LastSeenAt, time.Now().UTC())
		return err
	}
	q := `INSERT INTO agents (id, label, version, capabilities, liveness, last_seen_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET label = excluded.label, version = excluded.version, capabilities = excluded.capabilities, liveness = excluded.liveness, last_seen_at = excluded.last_seen_at`
	_, err := s.db.ExecContext(ctx, q, agent.ID, agent.Label, agent.Version, capsJSON, agent.Liveness, agent.LastSeenAt, time.Now().UTC())
	return err
}

func (s *SQLStore) Heartbeat(ctx context.Context, agentID string, at time.Time) error {
	q := fmt.Sprintf(`UPDATE agents SET last_seen_at = %s WHERE id = %s`, s.ph(1), s.ph(2))
	result, err := s.db.ExecContext(ctx, q, at, agentID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (*v1.Agent, error) {
	q := fmt.Sprintf(`SELECT id, label, version, capabilities, liveness, last_seen_at, registered_at FROM agents WHERE id = %s`, s.ph(1))
	var a v1.Agent
	var capsJSON string
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, q, agentID).Scan(&a.ID, &a.Label, &a.Version, &capsJSON, &a.Liveness, &lastSeen, &a.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Capabilities = splitCapabilities(capsJSON)
	if lastSeen.Valid {
		a.LastSeenAt = lastSeen.Time
	}
	return &a, nil
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, label, version, capabilities, liveness, last_seen_at, registered_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Agent
	for rows.Next() {
		var a v1.Agent
		var capsJSON string
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.ID, &a.Label, &a.Version, &capsJSON, &a.Liveness, &lastSeen, &a.RegisteredAt); err != nil {
			return nil, err
		}
		a.Capabilities = splitCapabilities(capsJSON)
		if lastSeen.Valid {
			a.LastSeenAt = lastSeen.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetLiveness(ctx context.Context, agentID string, liveness v1.Liveness) error {
	q := fmt.Sprintf(`UPDATE agents SET liveness = %s WHERE id = %s`, s.ph(1), s.ph(2))
	result, err := s.db.ExecContext(ctx, q, liveness, agentID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// --- Run state operations ---

func (s *SQLStore) PutRunState(ctx context.Context, state *v1.RunState) error {
	if s.driver == "postgres" {
		q := `INSERT INTO run_state (run_id, sequence, working_dir, worker_type, model, saved_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (run_id) DO UPDATE SET sequence = $2, working_dir = $3, worker_type = $4, model = $5, saved_at = $6`
		_, err := s.db.ExecContext(ctx, q, state.RunID, state.Sequence, state.WorkingDir, state.WorkerType, state.Model, state.SavedAt)
		return err
	}
	q := `INSERT INTO run_state (run_id, sequence, working_dir, worker_type, model, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET sequence = excluded.sequence, working_dir = excluded.working_dir,
			worker_type = excluded.worker_type, model = excluded.model, saved_at = excluded.saved_at`
	_, err := s.db.ExecContext(ctx, q, state.RunID, state.Sequence, state.WorkingDir, state.WorkerType, state.Model, state.SavedAt)
	return err
}

func (s *SQLStore) GetRunState(ctx context.Context, runID string) (*v1.RunState, error) {
	q := fmt.Sprintf(`SELECT run_id, sequence, working_dir, worker_type, model, saved_at FROM run_state WHERE run_id = %s`, s.ph(1))
	var st v1.RunState
	err := s.db.QueryRowContext(ctx, q, runID).Scan(&st.RunID, &st.Sequence, &st.WorkingDir, &st.WorkerType, &st.Model, &st.SavedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Nonce operations ---

func (s *SQLStore) RecordNonce(ctx context.Context, nonce string, ts time.Time) (bool, error) {
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO nonces (nonce, created_at) VALUES ($1, $2) ON CONFLICT (nonce) DO NOTHING`
	} else {
		q = `INSERT OR IGNORE INTO nonces (nonce, created_at) VALUES (?, ?)`
	}
	result, err := s.db.ExecContext(ctx, q, nonce, ts)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *SQLStore) PurgeExpired(ctx context.Context, before time.Time) error {
	q := fmt.Sprintf(`DELETE FROM nonces WHERE created_at < %s`, s.ph(1))
	_, err := s.db.ExecContext(ctx, q, before)
	return err
}

func joinCapabilities(caps []string) string {
	if len(caps) == 0 {
		return "[]"
	}
	out := "["
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += `"` + c + `"`
	}
	return out + "]"
}

func splitCapabilities(jsonArr string) []string {
	jsonArr = trimBrackets(jsonArr)
	if jsonArr == "" {
		return nil
	}
	var out []string
	cur := ""
	inStr := false
	for _, r := range jsonArr {
		switch {
		case r == '"':
			inStr = !inStr
		case r == ',' && !inStr:
			out = append(out, cur)
			cur = ""
		default:
			cur += string(r)
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func trimBrackets(s string) string {
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}
