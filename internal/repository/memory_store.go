package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/model"
)

// MemoryStore is an in-process CampaignRepositoryInterface. Every method
// holds the store lock for its whole unit of work, which gives the same
// atomicity the Postgres repository gets from transactions.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	campaigns map[int64]*model.Campaign
	jobs      map[int64][]*model.RecipientJob
	logs      map[int64][]*model.DeliveryLogEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[int64]*model.Campaign),
		jobs:      make(map[int64][]*model.RecipientJob),
		logs:      make(map[int64][]*model.DeliveryLogEntry),
	}
}

func copyCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	return &cp
}

func (s *MemoryStore) Create(ctx context.Context, c *model.Campaign, jobs []model.RecipientJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	c.ID = s.nextID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.TotalContacts = len(jobs)
	s.campaigns[c.ID] = copyCampaign(c)

	arena := make([]*model.RecipientJob, len(jobs))
	for i := range jobs {
		jobs[i].CampaignID = c.ID
		jobs[i].Index = i
		jobs[i].Status = model.JobPending
		j := jobs[i]
		j.Variables = slices.Clone(jobs[i].Variables)
		arena[i] = &j
	}
	s.jobs[c.ID] = arena
	s.logs[c.ID] = []*model.DeliveryLogEntry{}
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return copyCampaign(c), nil
}

func (s *MemoryStore) ListCampaigns(ctx context.Context, businessID string, offset, limit int, status string) ([]*model.Campaign, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*model.Campaign
	for _, c := range s.campaigns {
		if businessID != "" && c.BusinessID != businessID {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		filtered = append(filtered, copyCampaign(c))
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	total := len(filtered)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.Campaign{}
	for _, c := range s.campaigns {
		if c.Status == status {
			out = append(out, copyCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListDueScheduled(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.Campaign{}
	for _, c := range s.campaigns {
		if c.Status == model.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, copyCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, now time.Time) (*model.Campaign, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, false, appErrors.NewCampaignNotFound(id)
	}
	if !slices.Contains(from, c.Status) {
		return copyCampaign(c), false, nil
	}
	c.Status = to
	c.UpdatedAt = &now
	if to == model.StatusRunning && c.StartedAt == nil {
		started := now
		c.StartedAt = &started
	}
	return copyCampaign(c), true, nil
}

func (s *MemoryStore) Terminate(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, reason, logError string, now time.Time) (*model.Campaign, int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, 0, false, appErrors.NewCampaignNotFound(id)
	}
	if !slices.Contains(from, c.Status) {
		return copyCampaign(c), 0, false, nil
	}

	c.Status = to
	c.FailureReason = reason
	c.CompletedAt = &now
	c.UpdatedAt = &now

	skipped := 0
	for _, j := range s.jobs[id] {
		if j.Status != model.JobPending {
			continue
		}
		j.Status = model.JobSkipped
		msg := logError
		s.logs[id] = append(s.logs[id], &model.DeliveryLogEntry{
			ID:             uuid.NewString(),
			CampaignID:     id,
			RecipientIndex: j.Index,
			ContactPhone:   j.Phone,
			ContactName:    j.ContactName,
			Status:         model.JobSkipped,
			Error:          &msg,
			CreatedAt:      now,
		})
		skipped++
	}
	c.SkippedCount += skipped
	return copyCampaign(c), skipped, true, nil
}

func (s *MemoryStore) CompleteIfDone(ctx context.Context, id int64, now time.Time) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	s.completeIfDoneLocked(c, now)
	return copyCampaign(c), nil
}

func (s *MemoryStore) completeIfDoneLocked(c *model.Campaign, now time.Time) {
	if c.Status != model.StatusRunning {
		return
	}
	for _, j := range s.jobs[c.ID] {
		if !j.Status.IsTerminal() {
			return
		}
	}
	c.Status = model.StatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = &now
}

func (s *MemoryStore) Delete(ctx context.Context, id int64, deletable []model.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if !slices.Contains(deletable, c.Status) {
		return appErrors.ErrCampaignNotDeletable
	}
	delete(s.campaigns, id)
	delete(s.jobs, id)
	delete(s.logs, id)
	return nil
}

func (s *MemoryStore) NextPendingJob(ctx context.Context, campaignID int64) (*model.RecipientJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs[campaignID] {
		if j.Status == model.JobPending {
			cp := *j
			cp.Variables = slices.Clone(j.Variables)
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ClaimJob(ctx context.Context, campaignID int64, index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok || c.Status != model.StatusRunning {
		return false, nil
	}
	jobs := s.jobs[campaignID]
	if index < 0 || index >= len(jobs) || jobs[index].Status != model.JobPending {
		return false, nil
	}
	jobs[index].Status = model.JobSending
	return true, nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, e *model.DeliveryLogEntry) (*model.Campaign, error) {
	if !e.Status.IsTerminal() {
		return nil, fmt.Errorf("complete job with non-terminal status %s", e.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[e.CampaignID]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(e.CampaignID)
	}
	jobs := s.jobs[e.CampaignID]
	if e.RecipientIndex < 0 || e.RecipientIndex >= len(jobs) || jobs[e.RecipientIndex].Status != model.JobSending {
		return nil, appErrors.ErrJobNotInFlight
	}

	jobs[e.RecipientIndex].Status = e.Status
	entry := *e
	s.logs[e.CampaignID] = append(s.logs[e.CampaignID], &entry)

	sent, failed, skipped := counterDeltas(e.Status)
	c.SentCount += sent
	c.FailedCount += failed
	c.SkippedCount += skipped
	now := e.CreatedAt
	c.UpdatedAt = &now
	s.completeIfDoneLocked(c, e.CreatedAt)
	return copyCampaign(c), nil
}

func (s *MemoryStore) FailInFlight(ctx context.Context, campaignID int64, logError string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return 0, appErrors.NewCampaignNotFound(campaignID)
	}
	total := 0
	for _, j := range s.jobs[campaignID] {
		if j.Status != model.JobSending {
			continue
		}
		j.Status = model.JobFailed
		msg := logError
		s.logs[campaignID] = append(s.logs[campaignID], &model.DeliveryLogEntry{
			ID:             uuid.NewString(),
			CampaignID:     campaignID,
			RecipientIndex: j.Index,
			ContactPhone:   j.Phone,
			ContactName:    j.ContactName,
			Status:         model.JobFailed,
			Error:          &msg,
			CreatedAt:      now,
		})
		total++
	}
	if total > 0 {
		c.FailedCount += total
		c.UpdatedAt = &now
		s.completeIfDoneLocked(c, now)
	}
	return total, nil
}

func (s *MemoryStore) ListInFlight(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := []int64{}
	for id, jobs := range s.jobs {
		for _, j := range jobs {
			if j.Status == model.JobSending {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) CountInFlight(ctx context.Context, campaignID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs[campaignID] {
		if j.Status == model.JobSending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, campaignID int64, limit, offset int) ([]*model.DeliveryLogEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.logs[campaignID]
	total := len(logs)
	out := []*model.DeliveryLogEntry{}
	for i := offset; i < total && len(out) < limit; i++ {
		cp := *logs[i]
		out = append(out, &cp)
	}
	return out, total, nil
}

var _ CampaignRepositoryInterface = (*MemoryStore)(nil)
