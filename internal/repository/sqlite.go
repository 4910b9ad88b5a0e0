package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/xiaot623/agentpay/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL,
			budget_limit_usd TEXT,
			approval_threshold_usd TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			last_active DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			command TEXT NOT NULL,
			plan TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error_code TEXT,
			error_message TEXT,
			total_cost_usd TEXT NOT NULL DEFAULT '0',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_session ON execution_logs(session_id, created_at)`,
		`CREATE TRIGGER IF NOT EXISTS execution_logs_finalized
			BEFORE UPDATE ON execution_logs
			WHEN OLD.status <> 'running'
			BEGIN SELECT RAISE(ABORT, 'execution log is finalized'); END`,
		`CREATE TRIGGER IF NOT EXISTS execution_logs_no_delete
			BEFORE DELETE ON execution_logs
			BEGIN SELECT RAISE(ABORT, 'execution logs are never deleted'); END`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			execution_log_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tool_name TEXT NOT NULL,
			tool_args TEXT,
			tool_result TEXT,
			success INTEGER NOT NULL,
			error_code TEXT,
			error_message TEXT,
			cost_usd TEXT NOT NULL DEFAULT '0',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			UNIQUE (execution_log_id, seq),
			FOREIGN KEY (execution_log_id) REFERENCES execution_logs(id)
		)`,
		`CREATE TRIGGER IF NOT EXISTS tool_calls_no_update
			BEFORE UPDATE ON tool_calls
			BEGIN SELECT RAISE(ABORT, 'tool calls are append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS tool_calls_no_delete
			BEFORE DELETE ON tool_calls
			BEGIN SELECT RAISE(ABORT, 'tool calls are append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS tool_calls_open_log
			BEFORE INSERT ON tool_calls
			WHEN (SELECT status FROM execution_logs WHERE id = NEW.execution_log_id) <> 'running'
			BEGIN SELECT RAISE(ABORT, 'execution log is finalized'); END`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			execution_log_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_args TEXT,
			edited_args TEXT,
			reason TEXT,
			amount TEXT NOT NULL DEFAULT '0',
			currency TEXT NOT NULL DEFAULT 'USD',
			status TEXT NOT NULL DEFAULT 'pending',
			decided_by TEXT,
			decision_reason TEXT,
			created_at DATETIME NOT NULL,
			expires_at_ms INTEGER NOT NULL,
			decided_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_session ON approval_requests(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_expiry ON approval_requests(status, expires_at_ms)`,
		`CREATE TABLE IF NOT EXISTS payment_attempts (
			id TEXT PRIMARY KEY,
			execution_log_id TEXT,
			service_url TEXT NOT NULL,
			amount TEXT NOT NULL,
			token TEXT NOT NULL,
			recipient TEXT NOT NULL,
			network TEXT,
			signer TEXT NOT NULL,
			verifying_contract TEXT NOT NULL,
			nonce TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			signature TEXT,
			tx_hash TEXT,
			gas_used INTEGER NOT NULL DEFAULT 0,
			block_number INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT,
			attempt INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_attempts_nonce ON payment_attempts(signer, verifying_contract, nonce)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_attempts_log ON payment_attempts(execution_log_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, wallet_address, budget_limit_usd, approval_threshold_usd, status, created_at, last_active) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.WalletAddress, session.Config.BudgetLimitUSD, session.Config.ApprovalThresholdUSD,
		session.Status, session.CreatedAt.UTC(), session.LastActive.UTC())
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, wallet_address, budget_limit_usd, approval_threshold_usd, status, created_at, last_active FROM sessions WHERE id = ?`,
		sessionID).Scan(&sess.ID, &sess.WalletAddress, &sess.Config.BudgetLimitUSD, &sess.Config.ApprovalThresholdUSD,
		&sess.Status, &sess.CreatedAt, &sess.LastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// TouchSession updates the last activity time of a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active = ? WHERE id = ?`, at.UTC(), sessionID)
	return err
}

// TerminateSession soft-deletes a session.
func (s *SQLiteStore) TerminateSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, last_active = ? WHERE id = ? AND status = ?`,
		domain.SessionStatusTerminated, time.Now().UTC(), sessionID, domain.SessionStatusActive)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// CreateExecutionLog inserts a running execution log.
func (s *SQLiteStore) CreateExecutionLog(ctx context.Context, log *domain.ExecutionLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (id, session_id, command, plan, status, total_cost_usd, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.SessionID, log.Command, nullStringBytes(log.Plan), log.Status, log.TotalCostUSD, log.CreatedAt.UTC())
	return err
}

const executionLogColumns = `id, session_id, command, plan, status, result, error_code, error_message, total_cost_usd, duration_ms, created_at, completed_at`

// GetExecutionLog retrieves an execution log without its tool calls.
func (s *SQLiteStore) GetExecutionLog(ctx context.Context, id string) (*domain.ExecutionLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionLogColumns+` FROM execution_logs WHERE id = ?`, id)
	log, err := scanExecutionLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

// FinalizeExecutionLog moves a running log to its terminal state. It returns
// false when the log is not running.
func (s *SQLiteStore) FinalizeExecutionLog(ctx context.Context, id string, c LogCompletion) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_logs SET status = ?, result = ?, error_code = ?, error_message = ?, total_cost_usd = ?, duration_ms = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		c.Status, nullStringBytes(c.Result), nullString(c.ErrorCode), nullString(c.ErrorMessage), c.TotalCostUSD,
		c.DurationMs, c.CompletedAt.UTC(), id, domain.ExecutionStatusRunning)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// ListExecutionLogs lists the logs of a session, newest first.
func (s *SQLiteStore) ListExecutionLogs(ctx context.Context, sessionID string, offset, limit int) ([]domain.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionLogColumns+` FROM execution_logs WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ExecutionLog
	for rows.Next() {
		log, err := scanExecutionLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *log)
	}
	return logs, rows.Err()
}

// AppendToolCall inserts a tool call and assigns its per-log sequence number.
func (s *SQLiteStore) AppendToolCall(ctx context.Context, call *domain.ToolCall) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO tool_calls (id, execution_log_id, seq, tool_name, tool_args, tool_result, success, error_code, error_message, cost_usd, duration_ms, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tool_calls WHERE execution_log_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING seq`,
		call.ID, call.ExecutionLogID, call.ExecutionLogID, call.ToolName, nullStringBytes(call.ToolArgs),
		nullStringBytes(call.ToolResult), call.Success, nullString(call.ErrorCode), nullString(call.ErrorMessage),
		call.CostUSD, call.DurationMs, call.CreatedAt.UTC()).Scan(&call.Seq)
}

// ListToolCalls lists the tool calls of a log in sequence order.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, executionLogID string) ([]domain.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_log_id, seq, tool_name, tool_args, tool_result, success, error_code, error_message, cost_usd, duration_ms, created_at
		 FROM tool_calls WHERE execution_log_id = ? ORDER BY seq ASC, created_at ASC`, executionLogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []domain.ToolCall
	for rows.Next() {
		var tc domain.ToolCall
		var args, result, errCode, errMsg sql.NullString
		if err := rows.Scan(&tc.ID, &tc.ExecutionLogID, &tc.Seq, &tc.ToolName, &args, &result, &tc.Success,
			&errCode, &errMsg, &tc.CostUSD, &tc.DurationMs, &tc.CreatedAt); err != nil {
			return nil, err
		}
		tc.ToolArgs = rawJSON(args)
		tc.ToolResult = rawJSON(result)
		tc.ErrorCode = errCode.String
		tc.ErrorMessage = errMsg.String
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// SumToolCallCost returns the exact sum of tool call costs of a log.
func (s *SQLiteStore) SumToolCallCost(ctx context.Context, executionLogID string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cost_usd FROM tool_calls WHERE execution_log_id = ?`, executionLogID)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var cost decimal.Decimal
		if err := rows.Scan(&cost); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(cost)
	}
	return total, rows.Err()
}

// CreateApprovalRequest inserts a pending approval request.
func (s *SQLiteStore) CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, session_id, execution_log_id, step_id, tool_name, tool_args, reason, amount, currency, status, created_at, expires_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, req.ExecutionLogID, req.StepID, req.ToolName, nullStringBytes(req.ToolArgs), req.Reason,
		req.Amount, req.Currency, req.Status, req.CreatedAt.UTC(), req.ExpiresAt.UnixMilli())
	return err
}

const approvalColumns = `id, session_id, execution_log_id, step_id, tool_name, tool_args, edited_args, reason, amount, currency, status, decided_by, decision_reason, created_at, expires_at_ms, decided_at`

// GetApprovalRequest retrieves an approval request by ID.
func (s *SQLiteStore) GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ResolveApprovalRequest moves a pending request to a terminal status. It is
// a compare-and-set: it returns false when the request is no longer pending.
func (s *SQLiteStore) ResolveApprovalRequest(ctx context.Context, id string, r ApprovalResolution) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, edited_args = ?, decided_by = ?, decision_reason = ?, decided_at = ?
		 WHERE id = ? AND status = ?`,
		r.Status, nullStringBytes(r.EditedArgs), nullString(r.DecidedBy), nullString(r.Reason), r.DecidedAt.UTC(),
		id, domain.ApprovalStatusPending)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// ListPendingApprovals lists pending requests, optionally filtered by session.
func (s *SQLiteStore) ListPendingApprovals(ctx context.Context, sessionID string) ([]domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE status = ?`
	args := []interface{}{domain.ApprovalStatusPending}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC`
	return s.queryApprovals(ctx, query, args...)
}

// ListExpiredApprovals lists pending requests whose deadline has passed.
func (s *SQLiteStore) ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE status = ? AND expires_at_ms <= ? ORDER BY expires_at_ms ASC LIMIT ?`,
		domain.ApprovalStatusPending, now.UnixMilli(), limit)
}

func (s *SQLiteStore) queryApprovals(ctx context.Context, query string, args ...interface{}) ([]domain.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// CreatePaymentAttempt inserts a payment attempt. A reused nonce yields
// ErrDuplicateNonce.
func (s *SQLiteStore) CreatePaymentAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_attempts (id, execution_log_id, service_url, amount, token, recipient, network, signer, verifying_contract, nonce, timestamp, signature, status, attempt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullString(a.ExecutionLogID), a.ServiceURL, a.Amount, a.Token, a.Recipient, a.Network, a.Signer,
		a.VerifyingContract, a.Nonce, a.Timestamp, nullString(a.Signature), a.Status, a.Attempt,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicateNonce
	}
	return err
}

// GetPaymentAttempt retrieves a payment attempt by ID.
func (s *SQLiteStore) GetPaymentAttempt(ctx context.Context, id string) (*domain.PaymentAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_attempts WHERE id = ?`, id)
	a, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// TransitionPaymentAttempt changes the status only if it currently is from.
func (s *SQLiteStore) TransitionPaymentAttempt(ctx context.Context, id string, from, to domain.PaymentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_attempts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// CompletePaymentAttempt records the settlement outcome.
func (s *SQLiteStore) CompletePaymentAttempt(ctx context.Context, id string, u PaymentUpdate) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE payment_attempts SET status = ?, tx_hash = COALESCE(?, tx_hash), gas_used = ?, block_number = ?, error = ?, updated_at = ? WHERE id = ?`,
		u.Status, nullString(u.TxHash), u.GasUsed, u.BlockNumber, nullString(u.Error), time.Now().UTC(), id)
	return err
}

// ListPaymentAttempts lists the payment attempts of an execution.
func (s *SQLiteStore) ListPaymentAttempts(ctx context.Context, executionLogID string) ([]domain.PaymentAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_attempts WHERE execution_log_id = ? ORDER BY created_at ASC, rowid ASC`,
		executionLogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentAttempt
	for rows.Next() {
		a, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const paymentColumns = `id, execution_log_id, service_url, amount, token, recipient, network, signer, verifying_contract, nonce, timestamp, signature, tx_hash, gas_used, block_number, status, error, attempt, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecutionLog(row scanner) (*domain.ExecutionLog, error) {
	var log domain.ExecutionLog
	var plan, result, errCode, errMsg sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&log.ID, &log.SessionID, &log.Command, &plan, &log.Status, &result, &errCode, &errMsg,
		&log.TotalCostUSD, &log.DurationMs, &log.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	log.Plan = rawJSON(plan)
	log.Result = rawJSON(result)
	log.ErrorCode = errCode.String
	log.ErrorMessage = errMsg.String
	if completedAt.Valid {
		log.CompletedAt = &completedAt.Time
	}
	return &log, nil
}

func scanApproval(row scanner) (*domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	var args, edited, reason, decidedBy, decisionReason sql.NullString
	var expiresAt int64
	var decidedAt sql.NullTime
	if err := row.Scan(&req.ID, &req.SessionID, &req.ExecutionLogID, &req.StepID, &req.ToolName, &args, &edited,
		&reason, &req.Amount, &req.Currency, &req.Status, &decidedBy, &decisionReason, &req.CreatedAt,
		&expiresAt, &decidedAt); err != nil {
		return nil, err
	}
	req.ToolArgs = rawJSON(args)
	req.EditedArgs = rawJSON(edited)
	req.Reason = reason.String
	req.DecidedBy = decidedBy.String
	req.DecisionReason = decisionReason.String
	req.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.Time
	}
	return &req, nil
}

func scanPayment(row scanner) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	var logID, network, signature, txHash, errMsg sql.NullString
	if err := row.Scan(&a.ID, &logID, &a.ServiceURL, &a.Amount, &a.Token, &a.Recipient, &network, &a.Signer,
		&a.VerifyingContract, &a.Nonce, &a.Timestamp, &signature, &txHash, &a.GasUsed, &a.BlockNumber, &a.Status,
		&errMsg, &a.Attempt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ExecutionLogID = logID.String
	a.Network = network.String
	a.Signature = signature.String
	a.TxHash = txHash.String
	a.Error = errMsg.String
	return &a, nil
}

func rowsChanged(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func rawJSON(s sql.NullString) []byte {
	if !s.Valid || s.String == "" {
		return nil
	}
	return []byte(s.String)
}
