package repository

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/noos/internal/classify"
	"github.com/nadmax/noos/internal/params"
	"github.com/nadmax/noos/internal/repository/models"
	"github.com/nadmax/noos/internal/task"
)

// MockTaskRepository is an in-memory TaskRepository that records state
// transitions. It enforces the same transition rules as the Postgres version.
type MockTaskRepository struct {
	mu                   sync.Mutex
	nextID               int64
	Tasks                map[int64]*task.Task
	ProgressCalls        []ProgressCall
	CompleteCalls        []int64
	FailCalls            []FailTaskCall
	CancellationRequests []int64
	CreateTaskError      error
	GetTaskError         error
	UpdateProgressError  error
	CompleteTaskError    error
	FailTaskError        error
}

type ProgressCall struct {
	TaskID   int64
	Phase    string
	Step     int
	Progress float64
}

type FailTaskCall struct {
	TaskID int64
	Reason string
}

func NewMockTaskRepository() *MockTaskRepository {
	return &MockTaskRepository{
		Tasks: make(map[int64]*task.Task),
	}
}

func cloneTask(t *task.Task) *task.Task {
	c := *t
	c.Parameters = maps.Clone(t.Parameters)
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}

func (m *MockTaskRepository) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateTaskError != nil {
		return m.CreateTaskError
	}

	m.nextID++
	t.ID = m.nextID
	m.Tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *MockTaskRepository) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskError != nil {
		return nil, m.GetTaskError
	}

	t, exists := m.Tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (m *MockTaskRepository) ListTasks(ctx context.Context) ([]*task.Task, error) {
	return m.filter(0, nil), nil
}

func (m *MockTaskRepository) GetRecentTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	return m.filter(limit, nil), nil
}

func (m *MockTaskRepository) GetTasksByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]*task.Task, error) {
	return m.filter(0, func(t *task.Task) bool {
		for _, s := range statuses {
			if t.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (m *MockTaskRepository) filter(limit int, keep func(*task.Task) bool) []*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*task.Task, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		if keep == nil || keep(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MockTaskRepository) CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[task.TaskStatus]int{
		task.PendingStatus:   0,
		task.RunningStatus:   0,
		task.CompletedStatus: 0,
		task.FailedStatus:    0,
	}
	for _, t := range m.Tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *MockTaskRepository) MarkRunning(ctx context.Context, id int64, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(id, task.PendingStatus)
	if err != nil {
		return err
	}
	t.Status = task.RunningStatus
	t.StartTime = &startedAt
	t.LastUpdated = time.Now()
	return nil
}

func (m *MockTaskRepository) UpdateProgress(ctx context.Context, u *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ProgressCalls = append(m.ProgressCalls, ProgressCall{
		TaskID:   u.ID,
		Phase:    u.CurrentPhase,
		Step:     u.CurrentStep,
		Progress: u.ProgressPercentage,
	})

	if m.UpdateProgressError != nil {
		return m.UpdateProgressError
	}

	t, err := m.lookup(u.ID, task.RunningStatus)
	if err != nil {
		return err
	}
	t.CurrentPhase = u.CurrentPhase
	t.CurrentStep = max(t.CurrentStep, u.CurrentStep)
	t.ProgressPercentage = max(t.ProgressPercentage, u.ProgressPercentage)
	if u.Metadata != nil {
		t.Metadata = maps.Clone(u.Metadata)
	}
	t.LastUpdated = time.Now()
	return nil
}

func (m *MockTaskRepository) CompleteTask(ctx context.Context, u *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteCalls = append(m.CompleteCalls, u.ID)

	if m.CompleteTaskError != nil {
		return m.CompleteTaskError
	}

	t, err := m.lookup(u.ID, task.RunningStatus)
	if err != nil {
		return err
	}
	now := time.Now()
	t.Status = task.CompletedStatus
	t.ProgressPercentage = 100
	t.CurrentPhase = u.CurrentPhase
	t.CurrentStep = max(t.CurrentStep, u.CurrentStep)
	t.EndTime = &now
	t.LastUpdated = now
	if u.Metadata != nil {
		t.Metadata = maps.Clone(u.Metadata)
	}
	return nil
}

func (m *MockTaskRepository) FailTask(ctx context.Context, id int64, reason string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailCalls = append(m.FailCalls, FailTaskCall{TaskID: id, Reason: reason})

	if m.FailTaskError != nil {
		return m.FailTaskError
	}

	t, err := m.lookup(id, task.PendingStatus, task.RunningStatus)
	if err != nil {
		return err
	}
	now := time.Now()
	t.Status = task.FailedStatus
	t.ErrorMessage = reason
	t.EndTime = &now
	t.LastUpdated = now
	if metadata != nil {
		t.Metadata = maps.Clone(metadata)
	}
	return nil
}

func (m *MockTaskRepository) RequestCancellation(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancellationRequests = append(m.CancellationRequests, id)

	t, err := m.lookup(id, task.PendingStatus, task.RunningStatus)
	if err != nil {
		return err
	}
	t.CancellationRequested = true
	return nil
}

func (m *MockTaskRepository) IsCancellationRequested(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.Tasks[id]
	if !exists {
		return false, ErrTaskNotFound
	}
	return t.CancellationRequested, nil
}

func (m *MockTaskRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, t := range m.Tasks {
		if !t.Status.IsTerminal() {
			continue
		}
		ended := t.CreatedAt
		if t.EndTime != nil {
			ended = *t.EndTime
		}
		if ended.Before(cutoff) {
			delete(m.Tasks, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MockTaskRepository) FailUnfinished(ctx context.Context, reason string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0)
	for id, t := range m.Tasks {
		if t.Status.IsTerminal() {
			continue
		}
		now := time.Now()
		t.Status = task.FailedStatus
		t.ErrorMessage = reason
		t.EndTime = &now
		t.LastUpdated = now
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// lookup must be called with mu held.
func (m *MockTaskRepository) lookup(id int64, allowed ...task.TaskStatus) (*task.Task, error) {
	t, exists := m.Tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}
	for _, s := range allowed {
		if t.Status == s {
			return t, nil
		}
	}
	return nil, ErrInvalidTransition
}

// Snapshot returns a copy of the stored task, or nil.
func (m *MockTaskRepository) Snapshot(id int64) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.Tasks[id]
	if !exists {
		return nil
	}
	return cloneTask(t)
}

// MockResultRepository keeps results per run in memory.
type MockResultRepository struct {
	mu               sync.Mutex
	Runs             map[int64][]classify.NoosResult
	SaveCalls        []int64
	SaveResultsError error
	QueryError       error
}

func NewMockResultRepository() *MockResultRepository {
	return &MockResultRepository{
		Runs: make(map[int64][]classify.NoosResult),
	}
}

func (m *MockResultRepository) SaveResults(ctx context.Context, runID int64, results []classify.NoosResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveCalls = append(m.SaveCalls, runID)

	if m.SaveResultsError != nil {
		return m.SaveResultsError
	}

	stored := make([]classify.NoosResult, len(results))
	for i, r := range results {
		r.ID = int64(i + 1)
		r.AlgorithmRunID = runID
		stored[i] = r
	}
	m.Runs[runID] = append(m.Runs[runID], stored...)
	return nil
}

func (m *MockResultRepository) all() []classify.NoosResult {
	var out []classify.NoosResult
	for _, rows := range m.Runs {
		out = append(out, rows...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AlgorithmRunID != out[j].AlgorithmRunID {
			return out[i].AlgorithmRunID > out[j].AlgorithmRunID
		}
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].StyleCode < out[j].StyleCode
	})
	return out
}

func (m *MockResultRepository) match(runID int64, keep func(classify.NoosResult) bool) ([]classify.NoosResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	out := make([]classify.NoosResult, 0)
	for _, r := range m.all() {
		if runID != 0 && r.AlgorithmRunID != runID {
			continue
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockResultRepository) GetLatestResults(ctx context.Context, limit int) ([]classify.NoosResult, error) {
	out, err := m.match(0, func(classify.NoosResult) bool { return true })
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockResultRepository) GetResultsByRun(ctx context.Context, runID int64) ([]classify.NoosResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}
	return append([]classify.NoosResult{}, m.Runs[runID]...), nil
}

func (m *MockResultRepository) GetResultsByCategory(ctx context.Context, category string, runID int64) ([]classify.NoosResult, error) {
	return m.match(runID, func(r classify.NoosResult) bool { return r.Category == category })
}

func (m *MockResultRepository) GetResultsByType(ctx context.Context, t classify.Type, runID int64) ([]classify.NoosResult, error) {
	return m.match(runID, func(r classify.NoosResult) bool { return r.Type == t })
}

func (m *MockResultRepository) CountResults(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.all()), nil
}

func (m *MockResultRepository) CountByType(ctx context.Context) (map[classify.Type]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[classify.Type]int)
	for _, r := range m.all() {
		counts[r.Type]++
	}
	return counts, nil
}

func (m *MockResultRepository) GetSummary(ctx context.Context, runID int64) ([]models.TypeSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if runID == 0 {
		for id := range m.Runs {
			runID = max(runID, id)
		}
	}

	byType := make(map[classify.Type]*models.TypeSummary)
	for _, r := range m.Runs[runID] {
		s, ok := byType[r.Type]
		if !ok {
			s = &models.TypeSummary{Type: string(r.Type)}
			byType[r.Type] = s
		}
		s.Count++
		s.TotalRevenue += r.TotalRevenue
		s.TotalQuantity += r.TotalQuantity
		s.AvgRateOfSale += r.RateOfSale
		s.AvgContribution += r.RevenueContributionPct
	}

	out := make([]models.TypeSummary, 0, len(byType))
	for _, s := range byType {
		s.AvgRateOfSale /= float64(s.Count)
		s.AvgContribution /= float64(s.Count)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m *MockResultRepository) ListRuns(ctx context.Context, limit int) ([]models.RunInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.RunInfo, 0, len(m.Runs))
	for id, rows := range m.Runs {
		info := models.RunInfo{RunID: id, ResultCount: len(rows)}
		for _, r := range rows {
			if r.CalculatedDate.After(info.CalculatedDate) {
				info.CalculatedDate = r.CalculatedDate
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID > out[j].RunID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockResultRepository) DeleteRun(ctx context.Context, runID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.Runs[runID]))
	delete(m.Runs, runID)
	return n, nil
}

// MockParameterRepository stores parameter sets in memory.
type MockParameterRepository struct {
	mu     sync.Mutex
	nextID int64
	Sets   map[int64]*params.AlgorithmParameters
}

func NewMockParameterRepository() *MockParameterRepository {
	return &MockParameterRepository{
		Sets: make(map[int64]*params.AlgorithmParameters),
	}
}

func (m *MockParameterRepository) GetActive(ctx context.Context, name string) (*params.AlgorithmParameters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.Sets {
		if p.Name == name && p.IsActive {
			c := *p
			return &c, nil
		}
	}
	return nil, params.ErrNotFound
}

func (m *MockParameterRepository) ListParameters(ctx context.Context) ([]params.AlgorithmParameters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]params.AlgorithmParameters, 0, len(m.Sets))
	for _, p := range m.Sets {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (m *MockParameterRepository) GetParameters(ctx context.Context, id int64) (*params.AlgorithmParameters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.Sets[id]
	if !exists {
		return nil, params.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MockParameterRepository) CreateParameters(ctx context.Context, p *params.AlgorithmParameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := 0
	for _, existing := range m.Sets {
		if existing.Name != p.Name {
			continue
		}
		version = max(version, existing.Version)
		if p.IsActive {
			existing.IsActive = false
		}
	}

	m.nextID++
	now := time.Now()
	p.ID = m.nextID
	p.Version = version + 1
	p.CreatedAt = now
	p.UpdatedAt = now
	c := *p
	m.Sets[p.ID] = &c
	return nil
}

func (m *MockParameterRepository) UpdateParameters(ctx context.Context, p *params.AlgorithmParameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.Sets[p.ID]
	if !exists {
		return params.ErrNotFound
	}
	p.Name = existing.Name
	p.IsActive = existing.IsActive
	p.CreatedAt = existing.CreatedAt
	p.Version = existing.Version + 1
	p.UpdatedAt = time.Now()
	c := *p
	m.Sets[p.ID] = &c
	return nil
}

func (m *MockParameterRepository) ActivateParameters(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, exists := m.Sets[id]
	if !exists {
		return params.ErrNotFound
	}
	for _, p := range m.Sets {
		if p.Name == target.Name {
			p.IsActive = false
		}
	}
	target.IsActive = true
	return nil
}

func (m *MockParameterRepository) DeactivateParameters(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.Sets[id]
	if !exists {
		return params.ErrNotFound
	}
	p.IsActive = false
	return nil
}
