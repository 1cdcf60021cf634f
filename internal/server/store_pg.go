package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const consultColumns = `consult_id,status,creator_type,creator_sub,source,request,
	        created_at,started_at,finished_at,error,signals,plan,card,critic,abstention,summary,duration_ms`

func (s *PgStore) CreateConsult(meta ConsultMeta) error {
	req, _ := json.Marshal(meta.Request)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO consultations (consult_id,status,creator_type,creator_sub,source,request,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		meta.ConsultID, meta.Status, meta.CreatorType, meta.CreatorSub,
		meta.Source, req, meta.CreatedAt)
	return err
}

func (s *PgStore) UpdateConsult(consultID string, mutate func(*ConsultMeta)) (ConsultMeta, error) {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return ConsultMeta{}, err
	}
	defer tx.Rollback(context.Background())

	row := tx.QueryRow(context.Background(),
		`SELECT `+consultColumns+` FROM consultations WHERE consult_id=$1 FOR UPDATE`, consultID)
	meta, err := scanConsultMeta(row)
	if err != nil {
		return ConsultMeta{}, fmt.Errorf("consultation not found: %s", consultID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	req, _ := json.Marshal(meta.Request)
	_, err = tx.Exec(context.Background(),
		`UPDATE consultations SET status=$1,started_at=$2,finished_at=$3,error=$4,
		 signals=$5,plan=$6,card=$7,critic=$8,abstention=$9,summary=$10,duration_ms=$11,request=$12
		 WHERE consult_id=$13`,
		meta.Status, nullStr(meta.StartedAt), nullStr(meta.FinishedAt), meta.Error,
		marshalPtr(meta.Signals), marshalPtr(meta.Plan), marshalPtr(meta.Card),
		marshalPtr(meta.Critic), marshalPtr(meta.Abstention), nullStr(meta.Summary),
		meta.DurationMS, req, consultID)
	if err != nil {
		return ConsultMeta{}, err
	}
	return meta, tx.Commit(context.Background())
}

func (s *PgStore) GetConsult(consultID string) (ConsultMeta, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT `+consultColumns+` FROM consultations WHERE consult_id=$1`, consultID)
	meta, err := scanConsultMeta(row)
	if err != nil {
		return ConsultMeta{}, false
	}
	return meta, true
}

func (s *PgStore) ListConsults(limit int) []ConsultMeta {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT `+consultColumns+` FROM consultations ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return []ConsultMeta{}
	}
	defer rows.Close()
	return collectConsults(rows)
}

func (s *PgStore) ListConsultsByCreator(creatorSub string, limit int) []ConsultMeta {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT `+consultColumns+` FROM consultations WHERE creator_sub=$1 ORDER BY created_at DESC LIMIT $2`,
		creatorSub, limit)
	if err != nil {
		return []ConsultMeta{}
	}
	defer rows.Close()
	return collectConsults(rows)
}

func (s *PgStore) AppendConsultEvent(consultID string, stage, message string, data map[string]any) (ConsultEvent, error) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	var seq int64
	var ts time.Time
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO consult_events (consult_id, seq, stage, message, data)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM consult_events WHERE consult_id=$1),0)+1, $2, $3, $4)
		 RETURNING seq, timestamp`, consultID, stage, message, dataJSON).Scan(&seq, &ts)
	if err != nil {
		return ConsultEvent{}, err
	}
	return ConsultEvent{
		Seq:       seq,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Stage:     stage,
		Message:   message,
		Data:      data,
	}, nil
}

func (s *PgStore) ListConsultEvents(consultID string, sinceSeq int64) []ConsultEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq, timestamp, stage, message, data
		 FROM consult_events WHERE consult_id=$1 AND seq>$2 ORDER BY seq`, consultID, sinceSeq)
	if err != nil {
		return []ConsultEvent{}
	}
	defer rows.Close()
	var out []ConsultEvent
	for rows.Next() {
		var e ConsultEvent
		var ts time.Time
		var dataJSON []byte
		if err := rows.Scan(&e.Seq, &ts, &e.Stage, &e.Message, &dataJSON); err != nil {
			continue
		}
		e.Timestamp = ts.UTC().Format(time.RFC3339)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		out = append(out, e)
	}
	if out == nil {
		return []ConsultEvent{}
	}
	return out
}

func (s *PgStore) AppendAudit(event AuditEvent) error {
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audit_events (timestamp,consult_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.Timestamp, nullStr(event.ConsultID), event.ActorType, nullStr(event.ActorSub),
		event.Action, event.Result, nullStr(event.IPHash), nullStr(event.UAHash), nullStr(event.Detail))
	return err
}

func (s *PgStore) ListAudit(limit int) []AuditEvent {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT timestamp,consult_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail
		 FROM audit_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return []AuditEvent{}
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var a AuditEvent
		var ts time.Time
		var consultID, actorSub, ipHash, uaHash, detail *string
		if err := rows.Scan(&ts, &consultID, &a.ActorType, &actorSub, &a.Action, &a.Result, &ipHash, &uaHash, &detail); err != nil {
			continue
		}
		a.Timestamp = ts.UTC().Format(time.RFC3339)
		a.ConsultID = deref(consultID)
		a.ActorSub = deref(actorSub)
		a.IPHash = deref(ipHash)
		a.UAHash = deref(uaHash)
		a.Detail = deref(detail)
		out = append(out, a)
	}
	if out == nil {
		return []AuditEvent{}
	}
	return out
}

func (s *PgStore) GetMetricsOverview() MetricsOverview {
	overview := MetricsOverview{GeneratedAt: nowRFC3339()}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('running','queued')),
			COUNT(*) FILTER (WHERE status='completed'),
			COUNT(*) FILTER (WHERE status='abstained'),
			COUNT(*) FILTER (WHERE status='escalated'),
			COUNT(*) FILTER (WHERE status='failed'),
			COALESCE(SUM(jsonb_array_length(critic->'failed_rules')) FILTER (WHERE critic IS NOT NULL),0),
			COALESCE(AVG(duration_ms),0)::bigint,
			COALESCE(AVG((card->>'overall_confidence')::float) FILTER (WHERE card IS NOT NULL),0)
		 FROM consultations`).Scan(
		&overview.TotalConsults, &overview.RunningConsults, &overview.CompletedConsults,
		&overview.AbstainedConsults, &overview.EscalatedConsults, &overview.FailedConsults,
		&overview.CriticFailures, &overview.AverageDuration, &overview.AverageConfidence)
	return overview
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanConsultMeta(row scannable) (ConsultMeta, error) {
	var m ConsultMeta
	var reqJSON []byte
	var signalsJSON, planJSON, cardJSON, criticJSON, abstentionJSON []byte
	var startedAt, finishedAt, creatorSub, source, errStr, summary *string
	err := row.Scan(&m.ConsultID, &m.Status, &m.CreatorType, &creatorSub,
		&source, &reqJSON, &m.CreatedAt, &startedAt, &finishedAt, &errStr,
		&signalsJSON, &planJSON, &cardJSON, &criticJSON, &abstentionJSON, &summary, &m.DurationMS)
	if err != nil {
		return ConsultMeta{}, err
	}
	m.CreatorSub = deref(creatorSub)
	m.Source = deref(source)
	m.StartedAt = deref(startedAt)
	m.FinishedAt = deref(finishedAt)
	m.Error = deref(errStr)
	m.Summary = deref(summary)
	_ = json.Unmarshal(reqJSON, &m.Request)
	unmarshalInto(signalsJSON, &m.Signals)
	unmarshalInto(planJSON, &m.Plan)
	unmarshalInto(cardJSON, &m.Card)
	unmarshalInto(criticJSON, &m.Critic)
	unmarshalInto(abstentionJSON, &m.Abstention)
	return m, nil
}

func collectConsults(rows interface {
	Next() bool
	Scan(dest ...any) error
}) []ConsultMeta {
	var out []ConsultMeta
	for rows.Next() {
		meta, err := scanConsultMeta(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	if out == nil {
		return []ConsultMeta{}
	}
	return out
}

// unmarshalInto decodes into **T-shaped targets, allocating only when
// there is a payload.
func unmarshalInto[T any](data []byte, target **T) {
	if len(data) == 0 {
		return
	}
	var value T
	if json.Unmarshal(data, &value) == nil {
		*target = &value
	}
}

// marshalPtr produces SQL NULL for absent values instead of jsonb null.
func marshalPtr[T any](p *T) []byte {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return data
}

func nullStr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Ensure PgStore implements Store at compile time.
var _ Store = (*PgStore)(nil)
