// Package pgstore provides a PostgreSQL implementation of requests.Store and
// requests.Feed. Changes are delivered with LISTEN/NOTIFY.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/status"
)

// Channel is the NOTIFY channel written by the schema trigger.
const Channel = "transfer_request_changes"

const listenRetry = 2 * time.Second

var tracer = otel.Tracer("github.com/linnemanlabs/ermct/internal/requests/pgstore")

//go:embed schema.sql
var schema string

var (
	_ requests.Store = (*Store)(nil)
	_ requests.Feed  = (*Store)(nil)
)

// Store persists transfer requests in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	hub  *status.Hub
}

// New applies the schema on pool and returns a ready Store. Call Listen to
// start delivering change notifications to subscribers.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, hub: status.NewHub()}, nil
}

// Close ends every subscription. The pool is owned by the caller.
func (s *Store) Close() {
	s.hub.Close()
}

const requestColumns = `id, hospital_id, paramedic_id, symptoms, ktas_level, vitals_bp,
	vitals_resp, vitals_pulse, status, rejection_reason, created_at, updated_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.collection.name", "transfer_requests"),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create inserts r as a new waiting request.
func (s *Store) Create(ctx context.Context, r *requests.Request) (*requests.Request, error) {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	if r.FacilityID == "" {
		return nil, fail(span, errors.New("pgstore: facility id is required"))
	}

	query := `INSERT INTO transfer_requests (
		id, hospital_id, paramedic_id, symptoms, ktas_level, vitals_bp, vitals_resp, vitals_pulse, status
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'waiting')
	RETURNING ` + requestColumns

	out, err := scanRequest(s.pool.QueryRow(ctx, query,
		ulid.Make().String(), r.FacilityID, r.RequesterID, r.Symptoms, r.KTASLevel,
		r.BloodPressure, r.Respiration, r.Pulse,
	))
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert request: %w", err))
	}
	span.SetAttributes(attribute.String("ermct.request_id", out.ID))
	return out, nil
}

// Get retrieves a request by ID.
func (s *Store) Get(ctx context.Context, id string) (*requests.Request, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM transfer_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get request: %w", err))
	}
	return r, true, nil
}

// UpdateStatus moves id to st when the lifecycle allows it.
func (s *Store) UpdateStatus(ctx context.Context, id string, st status.Status, reason string) (*requests.Request, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateStatus", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("ermct.request_id", id), attribute.String("ermct.status", string(st)))

	sources := requests.Sources(st)
	from := make([]string, 0, len(sources))
	for _, src := range sources {
		from = append(from, string(src))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM transfer_requests WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, requests.ErrNotFound
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("lock request: %w", err))
	}
	if !requests.CanTransition(status.Status(current), st) {
		return nil, fmt.Errorf("%w: %s -> %s", requests.ErrInvalidTransition, current, st)
	}

	query := `UPDATE transfer_requests SET
		status = $2,
		rejection_reason = CASE WHEN $2 = 'rejected' THEN $3 ELSE rejection_reason END,
		updated_at = now()
	WHERE id = $1 AND status = ANY($4)
	RETURNING ` + requestColumns

	out, err := scanRequest(tx.QueryRow(ctx, query, id, string(st), reason, from))
	if err != nil {
		return nil, fail(span, fmt.Errorf("update status: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return out, nil
}

// ListByFacility returns a facility's requests, newest first.
func (s *Store) ListByFacility(ctx context.Context, facilityID string, f requests.Filter) ([]*requests.Request, error) {
	ctx, span := startSpan(ctx, "pgstore.ListByFacility", "SELECT")
	defer span.End()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + requestColumns + ` FROM transfer_requests
		WHERE hospital_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, facilityID, string(f.Status), limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query requests: %w", err))
	}
	defer rows.Close()

	var out []*requests.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan request: %w", err))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate requests: %w", err))
	}
	return out, nil
}

// Subscribe streams changes of one request. Events arrive only while Listen
// is running.
func (s *Store) Subscribe(ctx context.Context, requestID string) (status.Subscription, error) {
	return s.hub.Subscribe(ctx, requestID)
}

// SubscribeFacility streams changes of every request addressed to facilityID.
func (s *Store) SubscribeFacility(ctx context.Context, facilityID string) (status.Subscription, error) {
	return s.hub.SubscribeFacility(ctx, facilityID)
}

// Listen holds a dedicated connection on LISTEN and republishes every
// notification to subscribers until ctx ends. Lost connections are retried.
func (s *Store) Listen(ctx context.Context) error {
	L := log.FromContext(ctx)
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		L.Error(ctx, err, "request change listener lost connection", "retry_in", listenRetry.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(listenRetry):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	L := log.FromContext(ctx)
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		ev, err := decodeEvent([]byte(n.Payload))
		if err != nil {
			L.Warn(ctx, "dropping malformed request notification", "error", err)
			continue
		}
		s.hub.Publish(ev)
	}
}

func decodeEvent(payload []byte) (status.Event, error) {
	var ev status.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("decode notification: %w", err)
	}
	if ev.RequestID == "" || !ev.Status.Valid() {
		return ev, fmt.Errorf("notification missing request id or status: %s", payload)
	}
	return ev, nil
}

func scanRequest(row pgx.Row) (*requests.Request, error) {
	var (
		r     requests.Request
		st    string
		level *int16
	)
	err := row.Scan(
		&r.ID, &r.FacilityID, &r.RequesterID, &r.Symptoms, &level, &r.BloodPressure,
		&r.Respiration, &r.Pulse, &st, &r.RejectionReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = status.Status(st)
	if level != nil {
		lv := int(*level)
		r.KTASLevel = &lv
	}
	return &r, nil
}
