// Package hitl implements the human-in-the-loop protocol: a durable
// question/response queue with timeout-bound waiting and a convenience
// approval workflow.
package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/signalforge/signalforge/internal/bus"
)

// ErrNotFound is returned when a question_id has no matching row.
var ErrNotFound = fmt.Errorf("hitl: question not found")

// ErrValidation is returned for malformed ask/answer arguments.
var ErrValidation = fmt.Errorf("hitl: validation failed")

// ErrTimeout is returned by WaitResponse when no answer arrives in time.
var ErrTimeout = fmt.Errorf("hitl: timed out waiting for response")

// Question is a single submitted HITL question.
type Question struct {
	QuestionID     string            `json:"question_id"`
	Question       string            `json:"question"`
	Context        map[string]string `json:"context"`
	Options        []string          `json:"options"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Status         string            `json:"status"`
}

// Response is a submitted answer to a Question.
type Response struct {
	QuestionID string    `json:"question_id"`
	Answer     string    `json:"answer"`
	Timestamp  time.Time `json:"timestamp"`
}

// Config configures a Protocol.
type Config struct {
	QueueName             string
	DefaultTimeoutSeconds int
	MaxQuestionsPerHour   int
	QuietHoursStart       *int
	QuietHoursEnd         *int
}

func (c Config) withDefaults() Config {
	if c.QueueName == "" {
		c.QueueName = "hitl_questions"
	}
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = 300
	}
	if c.MaxQuestionsPerHour <= 0 {
		c.MaxQuestionsPerHour = 10
	}
	return c
}

const schema = `
CREATE TABLE IF NOT EXISTS hitl_questions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	question_id TEXT NOT NULL UNIQUE,
	question_text TEXT NOT NULL,
	context TEXT NOT NULL,
	options TEXT NOT NULL,
	timeout_seconds INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	response TEXT,
	answered_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_status ON hitl_questions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_question_id ON hitl_questions(question_id);
CREATE INDEX IF NOT EXISTS idx_expires ON hitl_questions(expires_at);
`

// Protocol manages the question queue, response waiters, and approval
// workflow. MaxQuestionsPerHour and the quiet-hours fields are
// advisory rate-limit hooks; enforcement belongs to the caller.
type Protocol struct {
	cfg Config
	bus *bus.Bus
	db  *sql.DB

	mu      sync.Mutex
	waiters map[string]chan Response
}

// Open creates or opens a SQLite-durable HITL question store at path,
// mirroring questions onto bus's queue.
func Open(path string, b *bus.Bus, cfg Config) (*Protocol, error) {
	cfg = cfg.withDefaults()

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("hitl: create data dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("hitl: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("hitl: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("hitl: init schema: %w", err)
	}

	return &Protocol{
		cfg:     cfg,
		bus:     b,
		db:      db,
		waiters: make(map[string]chan Response),
	}, nil
}

// AskAsync creates and persists a question, publishes a mirror message
// to the bus, and returns the new question's ID immediately.
func (p *Protocol) AskAsync(ctx context.Context, question string, qcontext map[string]string, options []string, timeoutSeconds int) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("%w: question cannot be empty", ErrValidation)
	}
	if qcontext == nil {
		qcontext = map[string]string{}
	}
	if options == nil {
		options = []string{}
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = p.cfg.DefaultTimeoutSeconds
	}

	questionID := uuid.New().String()
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(timeoutSeconds) * time.Second)

	contextJSON, err := json.Marshal(qcontext)
	if err != nil {
		return "", fmt.Errorf("hitl: marshal context: %w", err)
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("hitl: marshal options: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO hitl_questions (question_id, question_text, context, options, timeout_seconds, created_at, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')`,
		questionID, question, string(contextJSON), string(optionsJSON), timeoutSeconds,
		now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("hitl: insert question: %w", err)
	}

	if p.bus != nil {
		payload := map[string]interface{}{
			"question_id": questionID,
			"question":    question,
			"context":     qcontext,
			"options":     options,
			"expires_at":  expiresAt.Format(time.RFC3339Nano),
		}
		if _, err := p.bus.Publish(ctx, p.cfg.QueueName, payload, bus.PriorityHigh, ""); err != nil {
			return "", fmt.Errorf("hitl: publish mirror message: %w", err)
		}
	}

	return questionID, nil
}

// WaitResponse blocks until questionID is answered or timeout elapses.
// If the question was already answered before the call, the stored
// answer is returned immediately. The waiter is registered before the
// stored status is read, so an answer submitted in between is not missed.
func (p *Protocol) WaitResponse(ctx context.Context, questionID string, timeout time.Duration) (*Response, error) {
	ch := make(chan Response, 1)
	p.mu.Lock()
	p.waiters[questionID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, questionID)
		p.mu.Unlock()
	}()

	row := p.db.QueryRowContext(ctx,
		`SELECT status, response, answered_at FROM hitl_questions WHERE question_id = ?`, questionID)
	var status string
	var response, answeredAt sql.NullString
	if err := row.Scan(&status, &response, &answeredAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, questionID)
		}
		return nil, fmt.Errorf("hitl: lookup question: %w", err)
	}

	if status == "answered" {
		ts, _ := time.Parse(time.RFC3339Nano, answeredAt.String)
		return &Response{QuestionID: questionID, Answer: response.String, Timestamp: ts}, nil
	}

	select {
	case resp := <-ch:
		return &resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s", ErrTimeout, questionID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitResponse records answer for questionID and wakes any waiter.
func (p *Protocol) SubmitResponse(ctx context.Context, questionID, answer string) error {
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("%w: answer cannot be empty", ErrValidation)
	}

	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE hitl_questions SET status = 'answered', response = ?, answered_at = ? WHERE question_id = ? AND status = 'pending'`,
		answer, now.Format(time.RFC3339Nano), questionID)
	if err != nil {
		return fmt.Errorf("hitl: submit response: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("hitl: submit response: %w", err)
	}
	assert.Always(affected <= 1, "question_id answers at most one row", nil)
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, questionID)
	}

	p.mu.Lock()
	ch, ok := p.waiters[questionID]
	p.mu.Unlock()
	if ok {
		select {
		case ch <- Response{QuestionID: questionID, Answer: answer, Timestamp: now}:
		default:
		}
	}
	return nil
}

// Approve is a convenience wrapper that asks a yes/no question and
// reports whether the user approved it. An answer of "yes", "y",
// "true", or "1" (case-insensitive) counts as approval.
func (p *Protocol) Approve(ctx context.Context, action string, details map[string]string, timeoutSeconds int) (bool, error) {
	question := fmt.Sprintf("Approve: %s?", action)
	qcontext := map[string]string{"action": action}
	for k, v := range details {
		qcontext[k] = v
	}

	questionID, err := p.AskAsync(ctx, question, qcontext, []string{"yes", "no"}, timeoutSeconds)
	if err != nil {
		return false, err
	}

	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeoutSeconds <= 0 {
		timeout = time.Duration(p.cfg.DefaultTimeoutSeconds) * time.Second
	}

	resp, err := p.WaitResponse(ctx, questionID, timeout)
	if err != nil {
		return false, err
	}
	return isAffirmative(resp.Answer), nil
}

func isAffirmative(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "yes", "y", "true", "1":
		return true
	default:
		return false
	}
}

// GetPending returns up to limit questions that are still pending and
// unexpired, ordered oldest first.
func (p *Protocol) GetPending(ctx context.Context, limit int) ([]*Question, error) {
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := p.db.QueryContext(ctx,
		`SELECT question_id, question_text, context, options, timeout_seconds, created_at, expires_at, status
		 FROM hitl_questions WHERE status = 'pending' AND expires_at > ? ORDER BY created_at ASC LIMIT ?`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("hitl: get pending: %w", err)
	}
	defer rows.Close()

	var questions []*Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuestion(row rowScanner) (*Question, error) {
	var (
		questionID, text, contextJSON, optionsJSON, createdAt, expiresAt, status string
		timeoutSeconds                                                          int
	)
	if err := row.Scan(&questionID, &text, &contextJSON, &optionsJSON, &timeoutSeconds, &createdAt, &expiresAt, &status); err != nil {
		return nil, fmt.Errorf("hitl: scan question: %w", err)
	}

	q := &Question{
		QuestionID:     questionID,
		Question:       text,
		TimeoutSeconds: timeoutSeconds,
		Status:         status,
	}
	if err := json.Unmarshal([]byte(contextJSON), &q.Context); err != nil {
		return nil, fmt.Errorf("hitl: unmarshal context: %w", err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &q.Options); err != nil {
		return nil, fmt.Errorf("hitl: unmarshal options: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("hitl: parse created_at: %w", err)
	}
	q.CreatedAt = created
	expires, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("hitl: parse expires_at: %w", err)
	}
	q.ExpiresAt = expires
	return q, nil
}

// ExpireOldQuestions marks every pending question past its expiry as
// "expired", returning the count affected.
func (p *Protocol) ExpireOldQuestions(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := p.db.ExecContext(ctx,
		`UPDATE hitl_questions SET status = 'expired' WHERE status = 'pending' AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("hitl: expire old questions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("hitl: expire old questions: %w", err)
	}
	assert.Sometimes(affected > 0, "expiry sweep finds overdue questions", nil)
	return int(affected), nil
}

// Stats summarizes question volume and acceptance.
type Stats struct {
	TotalQuestions int            `json:"total_questions"`
	ByStatus       map[string]int `json:"by_status"`
	AcceptanceRate float64        `json:"acceptance_rate"`
}

// GetStats returns aggregate counters across the question store.
func (p *Protocol) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: map[string]int{}}

	row := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hitl_questions`)
	if err := row.Scan(&stats.TotalQuestions); err != nil {
		return nil, fmt.Errorf("hitl: stats total: %w", err)
	}

	statusRows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM hitl_questions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("hitl: stats by status: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status string
		var count int
		if err := statusRows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("hitl: scan status stats: %w", err)
		}
		stats.ByStatus[status] = count
	}

	responseRows, err := p.db.QueryContext(ctx,
		`SELECT response, COUNT(*) FROM hitl_questions WHERE status = 'answered' GROUP BY response`)
	if err != nil {
		return nil, fmt.Errorf("hitl: stats responses: %w", err)
	}
	defer responseRows.Close()

	var yes, total int
	for responseRows.Next() {
		var answer string
		var count int
		if err := responseRows.Scan(&answer, &count); err != nil {
			return nil, fmt.Errorf("hitl: scan response stats: %w", err)
		}
		total += count
		if isAffirmative(answer) {
			yes += count
		}
	}
	if total > 0 {
		stats.AcceptanceRate = float64(yes) / float64(total)
	}

	return stats, nil
}

// Close releases the database handle. Any in-flight WaitResponse calls
// are left to time out on their own rather than being woken here,
// since closing their channel would deliver a spurious zero-value
// response indistinguishable from a real answer.
func (p *Protocol) Close() error {
	p.mu.Lock()
	p.waiters = make(map[string]chan Response)
	p.mu.Unlock()
	return p.db.Close()
}
