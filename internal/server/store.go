package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type Store interface {
	CreateConsult(meta ConsultMeta) error
	UpdateConsult(consultID string, mutate func(*ConsultMeta)) (ConsultMeta, error)
	GetConsult(consultID string) (ConsultMeta, bool)
	ListConsults(limit int) []ConsultMeta
	ListConsultsByCreator(creatorSub string, limit int) []ConsultMeta
	AppendConsultEvent(consultID string, stage, message string, data map[string]any) (ConsultEvent, error)
	ListConsultEvents(consultID string, sinceSeq int64) []ConsultEvent
	AppendAudit(event AuditEvent) error
	ListAudit(limit int) []AuditEvent
	GetMetricsOverview() MetricsOverview
}

// MemoryFileStore keeps everything in memory and optionally snapshots to
// a JSON file on every mutation. Suitable for development and tests; the
// production deployment uses PgStore.
type MemoryFileStore struct {
	mu       sync.RWMutex
	path     string
	consults map[string]ConsultMeta
	events   map[string][]ConsultEvent
	audit    []AuditEvent
	nextSeq  map[string]int64
}

func NewMemoryFileStore(path string) (*MemoryFileStore, error) {
	store := &MemoryFileStore{
		path:     path,
		consults: map[string]ConsultMeta{},
		events:   map[string][]ConsultEvent{},
		audit:    []AuditEvent{},
		nextSeq:  map[string]int64{},
	}
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MemoryFileStore) CreateConsult(meta ConsultMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.consults[meta.ConsultID]; exists {
		return fmt.Errorf("consultation %s already exists", meta.ConsultID)
	}
	s.consults[meta.ConsultID] = meta
	if _, ok := s.events[meta.ConsultID]; !ok {
		s.events[meta.ConsultID] = []ConsultEvent{}
	}
	if _, ok := s.nextSeq[meta.ConsultID]; !ok {
		s.nextSeq[meta.ConsultID] = 1
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) UpdateConsult(consultID string, mutate func(*ConsultMeta)) (ConsultMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.consults[consultID]
	if !ok {
		return ConsultMeta{}, fmt.Errorf("consultation not found: %s", consultID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	s.consults[consultID] = meta
	if err := s.persistLocked(); err != nil {
		return ConsultMeta{}, err
	}
	return meta, nil
}

func (s *MemoryFileStore) GetConsult(consultID string) (ConsultMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.consults[consultID]
	return meta, ok
}

func (s *MemoryFileStore) ListConsults(limit int) []ConsultMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConsultMeta, 0, len(s.consults))
	for _, meta := range s.consults {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) ListConsultsByCreator(creatorSub string, limit int) []ConsultMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConsultMeta, 0)
	for _, meta := range s.consults {
		if meta.CreatorSub == creatorSub {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) AppendConsultEvent(consultID string, stage, message string, data map[string]any) (ConsultEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consults[consultID]; !ok {
		return ConsultEvent{}, fmt.Errorf("consultation not found: %s", consultID)
	}
	seq := s.nextSeq[consultID]
	if seq < 1 {
		seq = 1
	}
	event := ConsultEvent{
		Seq:       seq,
		Timestamp: nowRFC3339(),
		Stage:     stage,
		Message:   message,
		Data:      cloneMap(data),
	}
	s.nextSeq[consultID] = seq + 1
	s.events[consultID] = append(s.events[consultID], event)
	if err := s.persistLocked(); err != nil {
		return ConsultEvent{}, err
	}
	return event, nil
}

func (s *MemoryFileStore) ListConsultEvents(consultID string, sinceSeq int64) []ConsultEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[consultID]
	if len(events) == 0 {
		return []ConsultEvent{}
	}
	out := make([]ConsultEvent, 0, len(events))
	for _, event := range events {
		if event.Seq > sinceSeq {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemoryFileStore) AppendAudit(event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	s.audit = append(s.audit, event)
	if len(s.audit) > 5000 {
		s.audit = s.audit[len(s.audit)-5000:]
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) ListAudit(limit int) []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.audit) == 0 {
		return []AuditEvent{}
	}
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) GetMetricsOverview() MetricsOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := MetricsOverview{
		GeneratedAt: nowRFC3339(),
	}
	var durationTotal int64
	var confidenceTotal float64
	confidenceCount := 0
	for _, consult := range s.consults {
		overview.TotalConsults++
		switch strings.ToLower(strings.TrimSpace(consult.Status)) {
		case StatusRunning, StatusQueued:
			overview.RunningConsults++
		case StatusCompleted:
			overview.CompletedConsults++
		case StatusAbstained:
			overview.AbstainedConsults++
		case StatusEscalated:
			overview.EscalatedConsults++
		case StatusFailed:
			overview.FailedConsults++
		}
		durationTotal += consult.DurationMS
		if consult.Critic != nil {
			overview.CriticFailures += len(consult.Critic.FailedRules)
		}
		if consult.Card != nil {
			confidenceTotal += consult.Card.OverallConfidence
			confidenceCount++
		}
	}
	if overview.TotalConsults > 0 {
		overview.AverageDuration = durationTotal / int64(overview.TotalConsults)
	}
	if confidenceCount > 0 {
		overview.AverageConfidence = confidenceTotal / float64(confidenceCount)
	}
	return overview
}

func (s *MemoryFileStore) load() error {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snapshot struct {
		Consults []ConsultMeta             `json:"consults"`
		Events   map[string][]ConsultEvent `json:"events"`
		Audit    []AuditEvent              `json:"audit"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	for _, consult := range snapshot.Consults {
		s.consults[consult.ConsultID] = consult
	}
	for consultID, events := range snapshot.Events {
		s.events[consultID] = events
		maxSeq := int64(0)
		for _, event := range events {
			if event.Seq > maxSeq {
				maxSeq = event.Seq
			}
		}
		s.nextSeq[consultID] = maxSeq + 1
	}
	s.audit = snapshot.Audit
	return nil
}

func (s *MemoryFileStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	consults := make([]ConsultMeta, 0, len(s.consults))
	for _, consult := range s.consults {
		consults = append(consults, consult)
	}
	sort.Slice(consults, func(i, j int) bool {
		return consults[i].CreatedAt < consults[j].CreatedAt
	})
	snapshot := struct {
		Consults []ConsultMeta             `json:"consults"`
		Events   map[string][]ConsultEvent `json:"events"`
		Audit    []AuditEvent              `json:"audit"`
	}{
		Consults: consults,
		Events:   s.events,
		Audit:    s.audit,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store snapshot: %w", err)
	}
	return nil
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
