// Package bus implements the message bus: a SQLite-durable,
// priority-ordered, correlation-tracked queue with fan-out to
// subscribers over an embedded NATS transport. SQLite remains the
// system of record: a publish commits the row, then notifies the
// queue's subject with just the new id, and each subscriber's own
// transport subscription re-fetches the row and pushes it onto that
// subscriber's bounded mailbox. The broker never leaves the process,
// so the design stays single-node without a distributed consensus
// layer. When no transport is configured (one-shot CLI use, tests),
// live messages are handed to subscriber mailboxes directly.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	nc "github.com/nats-io/nats.go"

	"github.com/signalforge/signalforge/internal/transport"
	_ "modernc.org/sqlite"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed bus.
	ErrClosed = errors.New("bus: closed")
	// ErrValidation is returned for malformed publish/ack arguments.
	ErrValidation = errors.New("bus: validation failed")
)

// Priority levels used by publishers. Signals and tasks map their
// CRITICAL/HIGH/NORMAL enum onto this integer scale.
const (
	PriorityNormal   = 0
	PriorityHigh     = 5
	PriorityCritical = 10
)

// Message is a single bus message.
type Message struct {
	ID            int64                  `json:"_message_id"`
	QueueName     string                 `json:"queue_name"`
	Data          map[string]interface{} `json:"data"`
	Priority      int                    `json:"priority"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ProcessedAt   *time.Time             `json:"processed_at,omitempty"`
	Status        string                 `json:"status"`
}

const defaultSubscriberBuffer = 100

type subscriber struct {
	id        string
	queueName string
	ch        chan *Message
	natsSub   *nc.Subscription
}

// Bus is a durable, priority-ordered message bus with in-process fan-out.
type Bus struct {
	mu            sync.Mutex
	db            *sql.DB
	subscribers   map[string][]*subscriber
	subBuffer     int
	natsClient    *transport.Client
	subscriberSeq uint64
	closed        bool
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_name TEXT NOT NULL,
	message_data TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT,
	created_at TEXT NOT NULL,
	processed_at TEXT,
	status TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON messages(queue_name, status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_correlation ON messages(correlation_id);
`

// Options configures Open.
type Options struct {
	// SubscriberBuffer sets the per-subscriber mailbox capacity. Defaults to 100.
	SubscriberBuffer int
	// NATSClient, when set, carries live delivery: every publish
	// notifies the queue's subject with the new message's ID, and every
	// subscriber holds a subscription there that re-fetches the row.
	NATSClient *transport.Client
}

// Open creates or opens a SQLite-durable bus at path.
func Open(path string, opts Options) (*Bus, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("bus: create data dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("bus: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("bus: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bus: init schema: %w", err)
	}

	buf := opts.SubscriberBuffer
	if buf <= 0 {
		buf = defaultSubscriberBuffer
	}

	return &Bus{
		db:          db,
		subscribers: make(map[string][]*subscriber),
		subBuffer:   buf,
		natsClient:  opts.NATSClient,
	}, nil
}

// Publish durably records a message and fans it out to live subscribers
// of queueName. It returns the new message's ID.
func (b *Bus) Publish(ctx context.Context, queueName string, data map[string]interface{}, priority int, correlationID string) (int64, error) {
	if queueName == "" {
		return 0, fmt.Errorf("%w: queue_name is required", ErrValidation)
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal data: %v", ErrValidation, err)
	}
	// Live subscribers get the payload decoded from its stored JSON, the
	// same shape a backlog drain or a transport re-fetch yields.
	var delivered map[string]interface{}
	if err := json.Unmarshal(payload, &delivered); err != nil {
		return 0, fmt.Errorf("%w: decode data: %v", ErrValidation, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	now := time.Now().UTC()

	var correlation interface{}
	if correlationID != "" {
		correlation = correlationID
	}

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO messages (queue_name, message_data, priority, correlation_id, created_at, status)
		 VALUES (?, ?, ?, ?, ?, 'pending')`,
		queueName, string(payload), priority, correlation, now.Format(time.RFC3339Nano))
	if err != nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("bus: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("bus: last insert id: %w", err)
	}

	msg := &Message{
		ID:            id,
		QueueName:     queueName,
		Data:          delivered,
		Priority:      priority,
		CorrelationID: correlationID,
		CreatedAt:     now,
		Status:        "pending",
	}
	subs := append([]*subscriber(nil), b.subscribers[queueName]...)
	b.mu.Unlock()

	// Live delivery rides the embedded transport when one is configured:
	// the notification carries just the queue and id, and each
	// subscriber's own NATS subscription re-fetches the durable row.
	// Without a transport (one-shot CLI use, tests), deliver directly.
	if b.natsClient != nil {
		ping, _ := json.Marshal(map[string]interface{}{"queue_name": queueName, "id": id})
		if err := b.natsClient.Publish(natsSubject(queueName), ping); err != nil {
			log.Printf("[BUS] transport notify failed for %s, delivering directly: %v", queueName, err)
			b.notifySubscribers(queueName, msg, subs)
		}
	} else {
		b.notifySubscribers(queueName, msg, subs)
	}

	return id, nil
}

func natsSubject(queueName string) string {
	return fmt.Sprintf("bus.%s", queueName)
}

// notifySubscribers delivers msg to each subscriber's mailbox,
// dropping silently for any subscriber whose mailbox is full. The
// durable row survives for redelivery on the next Subscribe backlog
// fetch, so a drop here never loses the message.
func (b *Bus) notifySubscribers(queueName string, msg *Message, subs []*subscriber) {
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			assert.Sometimes(true, "slow subscriber mailbox overflowed, durable row retained", nil)
			log.Printf("[BUS] dropping message %d for slow subscriber %s on %s", msg.ID, sub.id, queueName)
		}
	}
}

// Subscription is a live handle to a queue's message stream.
type Subscription struct {
	C   <-chan *Message
	bus *Bus
	sub *subscriber
}

// Subscribe registers for queueName and returns a Subscription whose
// channel first replays any pending backlog (ordered priority DESC,
// created_at ASC) and then streams newly published messages. Call
// Unsubscribe when done.
func (b *Bus) Subscribe(ctx context.Context, queueName string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subscriberSeq++
	sub := &subscriber{
		id:        fmt.Sprintf("sub-%d", b.subscriberSeq),
		queueName: queueName,
		ch:        make(chan *Message, b.subBuffer),
	}
	b.mu.Unlock()

	// The transport subscription is established before the backlog
	// drain: a message published in between arrives twice (once from
	// each), which at-least-once delivery tolerates, instead of not at
	// all.
	if b.natsClient != nil {
		natsSub, err := b.natsClient.Subscribe(natsSubject(queueName), func(m *nc.Msg) {
			b.deliverFromPing(sub, m.Data)
		})
		if err != nil {
			return nil, fmt.Errorf("bus: subscribe transport: %w", err)
		}
		sub.natsSub = natsSub
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		dropNATSSub(sub)
		return nil, ErrClosed
	}
	b.subscribers[queueName] = append(b.subscribers[queueName], sub)
	b.mu.Unlock()

	backlog, err := b.fetchPending(ctx, queueName)
	if err != nil {
		b.Unsubscribe(sub)
		return nil, fmt.Errorf("bus: fetch backlog: %w", err)
	}
	for _, msg := range backlog {
		select {
		case sub.ch <- msg:
		default:
			log.Printf("[BUS] dropping backlog message %d for new subscriber %s on %s", msg.ID, sub.id, queueName)
		}
	}

	return &Subscription{C: sub.ch, bus: b, sub: sub}, nil
}

// Unsubscribe removes the subscription from its queue's fan-out list.
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s.sub)
}

// deliverFromPing resolves a transport notification back to its durable
// row and pushes it onto sub's mailbox. A row that is gone, already
// processed, or unparseable is skipped with a log line rather than
// poisoning the stream.
func (b *Bus) deliverFromPing(sub *subscriber, data []byte) {
	var ping struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &ping); err != nil {
		log.Printf("[BUS] malformed transport notification on %s: %v", sub.queueName, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	row := b.db.QueryRow(
		`SELECT id, queue_name, message_data, priority, correlation_id, created_at, processed_at, status
		 FROM messages WHERE id = ?`, ping.ID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return
		}
		log.Printf("[BUS] fetch message %d: %v", ping.ID, err)
		return
	}
	if msg.Status != "pending" {
		return
	}

	select {
	case sub.ch <- msg:
	default:
		assert.Sometimes(true, "slow subscriber mailbox overflowed, durable row retained", nil)
		log.Printf("[BUS] dropping message %d for slow subscriber %s on %s", msg.ID, sub.id, sub.queueName)
	}
}

func dropNATSSub(sub *subscriber) {
	if sub.natsSub == nil {
		return
	}
	if err := sub.natsSub.Unsubscribe(); err != nil {
		log.Printf("[BUS] transport unsubscribe failed for %s: %v", sub.id, err)
	}
	sub.natsSub = nil
}

// Unsubscribe removes sub from its queue's subscriber list, deleting
// the queue's entry entirely once its subscriber list is empty.
func (b *Bus) Unsubscribe(sub *subscriber) {
	dropNATSSub(sub)
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.subscribers[sub.queueName][:0]
	for _, s := range b.subscribers[sub.queueName] {
		if s.id != sub.id {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		delete(b.subscribers, sub.queueName)
	} else {
		b.subscribers[sub.queueName] = remaining
	}
}

func (b *Bus) fetchPending(ctx context.Context, queueName string) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, queue_name, message_data, priority, correlation_id, created_at, processed_at, status
		 FROM messages WHERE queue_name = ? AND status = 'pending'
		 ORDER BY priority DESC, created_at ASC`,
		queueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	assert.Always(backlogOrdered(messages), "bus backlog drain is priority-then-time ordered", nil)
	return messages, rows.Err()
}

func backlogOrdered(messages []*Message) bool {
	for i := 1; i < len(messages); i++ {
		prev, cur := messages[i-1], messages[i]
		if cur.Priority > prev.Priority {
			return false
		}
		if cur.Priority == prev.Priority && cur.CreatedAt.Before(prev.CreatedAt) {
			return false
		}
	}
	return true
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		id                         int64
		queueName, payload, status string
		priority                   int
		correlationID              sql.NullString
		createdAt                  string
		processedAt                sql.NullString
	)
	if err := row.Scan(&id, &queueName, &payload, &priority, &correlationID, &createdAt, &processedAt, &status); err != nil {
		return nil, fmt.Errorf("bus: scan: %w", err)
	}

	msg := &Message{ID: id, QueueName: queueName, Priority: priority, Status: status}
	if err := json.Unmarshal([]byte(payload), &msg.Data); err != nil {
		return nil, fmt.Errorf("bus: unmarshal data: %w", err)
	}
	if correlationID.Valid {
		msg.CorrelationID = correlationID.String
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("bus: parse created_at: %w", err)
	}
	msg.CreatedAt = created
	if processedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, processedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bus: parse processed_at: %w", err)
		}
		msg.ProcessedAt = &t
	}
	return msg, nil
}

// Ack marks a message processed. It is idempotent: acking an
// already-processed or missing message ID is not an error.
func (b *Bus) Ack(ctx context.Context, messageID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := b.db.ExecContext(ctx,
		`UPDATE messages SET status = 'processed', processed_at = ? WHERE id = ? AND status = 'pending'`,
		now, messageID)
	if err != nil {
		return fmt.Errorf("bus: ack: %w", err)
	}
	return nil
}

// GetPendingCount returns the number of pending messages in queueName.
func (b *Bus) GetPendingCount(ctx context.Context, queueName string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	var count int
	row := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE queue_name = ? AND status = 'pending'`, queueName)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("bus: pending count: %w", err)
	}
	return count, nil
}

// GetByCorrelation returns every message sharing correlationID, ordered
// by creation time ascending.
func (b *Bus) GetByCorrelation(ctx context.Context, correlationID string) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, queue_name, message_data, priority, correlation_id, created_at, processed_at, status
		 FROM messages WHERE correlation_id = ? ORDER BY created_at ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("bus: get by correlation: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Stats summarizes the bus's contents and live subscriber registrations.
type Stats struct {
	TotalMessages     int                       `json:"total_messages"`
	ByStatus          map[string]int            `json:"by_status"`
	ByQueue           map[string]map[string]int `json:"by_queue"`
	ActiveSubscribers map[string]int            `json:"active_subscribers"`
}

// GetStats returns aggregate counters across the bus.
func (b *Bus) GetStats(ctx context.Context) (*Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	stats := &Stats{
		ByStatus:          map[string]int{},
		ByQueue:           map[string]map[string]int{},
		ActiveSubscribers: map[string]int{},
	}
	for queueName, subs := range b.subscribers {
		stats.ActiveSubscribers[queueName] = len(subs)
	}
	row := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`)
	if err := row.Scan(&stats.TotalMessages); err != nil {
		return nil, fmt.Errorf("bus: stats total: %w", err)
	}

	statusRows, err := b.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("bus: stats by status: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status string
		var count int
		if err := statusRows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("bus: scan status stats: %w", err)
		}
		stats.ByStatus[status] = count
	}

	queueRows, err := b.db.QueryContext(ctx, `SELECT queue_name, status, COUNT(*) FROM messages GROUP BY queue_name, status`)
	if err != nil {
		return nil, fmt.Errorf("bus: stats by queue: %w", err)
	}
	defer queueRows.Close()
	for queueRows.Next() {
		var queueName, status string
		var count int
		if err := queueRows.Scan(&queueName, &status, &count); err != nil {
			return nil, fmt.Errorf("bus: scan queue stats: %w", err)
		}
		if stats.ByQueue[queueName] == nil {
			stats.ByQueue[queueName] = map[string]int{}
		}
		stats.ByQueue[queueName][status] = count
	}

	return stats, nil
}

// Close releases the underlying database handle and closes every
// subscriber's mailbox channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, s := range subs {
			dropNATSSub(s)
			close(s.ch)
		}
	}
	b.subscribers = nil
	return b.db.Close()
}
