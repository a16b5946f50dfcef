package admin

import (
	"context"

	"github.com/steveyegge/dedup/internal/orchestrator"
	"github.com/steveyegge/dedup/internal/types"
)

// Status summarizes the engine for dashboards and the status command
type Status struct {
	Statistics *types.Statistics       `json:"statistics"`
	Scheduler  bool                    `json:"scheduler_running"`
	LastRun    *orchestrator.RunReport `json:"last_run,omitempty"`
}

// Status returns group store statistics and the state of the scheduler
func (s *Service) Status(ctx context.Context) (*Status, error) {
	stats, err := s.store.GetStatistics(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Statistics: stats}
	if s.orch != nil {
		st.Scheduler = s.orch.IsRunning()
		st.LastRun = s.orch.LastReport()
	}
	return st, nil
}

// Ping checks that the group store answers
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
