package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// MonitorService orchestrates live exam monitoring business logic.
type MonitorService struct {
	monitorRepo *repository.MonitorRepository
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo *repository.MonitorRepository) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo}
}

// MonitorSnapshot is the board state sent to a newly attached proctor.
type MonitorSnapshot struct {
	Attempts    []repository.LiveAttempt `json:"attempts"`
	EventCounts map[string]int64         `json:"event_counts"`
	InProgress  int                      `json:"in_progress"`
	Finished    int                      `json:"finished"`
	Flagged     int                      `json:"flagged"`
	TotalEvents int64                    `json:"total_events"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// GetSnapshot loads attempts and integrity event counts concurrently. Event
// counts are best-effort.
func (s *MonitorService) GetSnapshot(ctx context.Context, since time.Time) (*MonitorSnapshot, error) {
	var (
		attempts    []repository.LiveAttempt
		counts      map[uuid.UUID]int64
		attemptsErr error
		countsErr   error
		wg          sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		attempts, attemptsErr = s.monitorRepo.ListSince(ctx, since)
	}()
	go func() {
		defer wg.Done()
		counts, countsErr = s.monitorRepo.GetEventCounts(ctx, since)
	}()
	wg.Wait()

	if attemptsErr != nil {
		return nil, attemptsErr
	}

	snap := &MonitorSnapshot{
		Attempts:    attempts,
		EventCounts: make(map[string]int64),
		GeneratedAt: time.Now().UTC(),
	}
	for _, a := range attempts {
		if a.Status.IsTerminal() {
			snap.Finished++
		} else {
			snap.InProgress++
		}
		if a.IsFlagged {
			snap.Flagged++
		}
	}
	if countsErr == nil {
		for id, n := range counts {
			snap.EventCounts[id.String()] = n
			snap.TotalEvents += n
		}
	}
	return snap, nil
}
