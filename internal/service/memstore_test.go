package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	"github.com/noah-isme/exam-normalization-api/internal/normalization"
	"github.com/noah-isme/exam-normalization-api/internal/repository"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
	"github.com/noah-isme/exam-normalization-api/pkg/jobs"
)

// memDB is an in-memory stand-in for the Postgres repositories.
type memDB struct {
	mu     sync.Mutex
	exams  map[string]*models.Exam
	shifts map[string]*models.Shift
	subs   map[string]*models.Submission
	order  []string
	jobs   map[string]*models.NormalizationJob
	// counted marks submissions folded into their shift's cached aggregate.
	counted map[string]bool
}

func newMemDB() *memDB {
	return &memDB{
		exams:   map[string]*models.Exam{},
		shifts:  map[string]*models.Shift{},
		subs:    map[string]*models.Submission{},
		jobs:    map[string]*models.NormalizationJob{},
		counted: map[string]bool{},
	}
}

func (db *memDB) addExam(exam models.Exam) *models.Exam {
	db.mu.Lock()
	defer db.mu.Unlock()
	if exam.Status == "" {
		exam.Status = models.ExamStatusActive
	}
	if exam.NormalizationMethod == "" {
		exam.NormalizationMethod = string(normalization.MethodZScore)
	}
	db.exams[exam.ID] = &exam
	return &exam
}

func (db *memDB) addShift(id, examID string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.shifts[id] = &models.Shift{ID: id, ExamID: examID}
}

// addScores inserts raw scores into a shift and bumps the exam total.
func (db *memDB) addScores(examID, shiftID string, scores ...float64) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	ids := make([]string, 0, len(scores))
	for _, score := range scores {
		id := uuid.NewString()
		db.subs[id] = &models.Submission{
			ID:                 id,
			ExamID:             examID,
			ShiftID:            shiftID,
			RollNumber:         id,
			Category:           models.CategoryUR,
			RawScore:           score,
			NormalizationState: models.NormalizationStateRawOnly,
		}
		db.order = append(db.order, id)
		ids = append(ids, id)
		db.exams[examID].TotalSubmissions++
	}
	return ids
}

func (db *memDB) submission(id string) models.Submission {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.subs[id]
}

func (db *memDB) exam(id string) models.Exam {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.exams[id]
}

func (db *memDB) shift(id string) models.Shift {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.shifts[id]
}

func (db *memDB) job(id string) models.NormalizationJob {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.jobs[id]
}

func (db *memDB) examSubs(examID string) []*models.Submission {
	out := make([]*models.Submission, 0)
	for _, id := range db.order {
		if sub, ok := db.subs[id]; ok && sub.ExamID == examID {
			out = append(out, sub)
		}
	}
	return out
}

func aggregateOf(shiftID string, scores []float64) models.ShiftAggregate {
	finite := make([]float64, 0, len(scores))
	for _, s := range scores {
		if !math.IsNaN(s) && !math.IsInf(s, 0) {
			finite = append(finite, s)
		}
	}
	sort.Float64s(finite)
	summary := normalization.Summarize(finite)
	agg := models.ShiftAggregate{ShiftID: shiftID, Count: summary.Count, Mean: summary.Mean, StdDev: summary.StdDev, Min: summary.Min, Max: summary.Max}
	for _, s := range finite {
		agg.Sum += s
		agg.SumSq += s * s
	}
	return agg
}

func (db *memDB) shiftScores(shiftID string) []float64 {
	var scores []float64
	for _, id := range db.order {
		if sub, ok := db.subs[id]; ok && sub.ShiftID == shiftID {
			scores = append(scores, sub.RawScore)
		}
	}
	return scores
}

func (db *memDB) shiftIDs(examID string) []string {
	var ids []string
	for id, shift := range db.shifts {
		if shift.ExamID == examID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

type memExams struct{ db *memDB }

func (r memExams) FindByID(_ context.Context, id string) (*models.Exam, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	exam, ok := r.db.exams[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *exam
	return &clone, nil
}

func (r memExams) ListActive(_ context.Context) ([]models.Exam, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.Exam
	for _, exam := range r.db.exams {
		if exam.Status == models.ExamStatusActive {
			out = append(out, *exam)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memExams) AdjustSubmissionCount(_ context.Context, examID string, delta int) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	exam, ok := r.db.exams[examID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	exam.TotalSubmissions = int(math.Max(float64(exam.TotalSubmissions+delta), 0))
	return exam.TotalSubmissions, nil
}

func (r memExams) UpdateGlobalStats(_ context.Context, examID string, update models.ExamStatsUpdate) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	exam := r.db.exams[examID]
	exam.GlobalCount = update.Summary.Count
	exam.GlobalMean = update.Summary.Mean
	exam.GlobalStdDev = update.Summary.StdDev
	exam.GlobalMin = update.Summary.Min
	exam.GlobalMax = update.Summary.Max
	exam.PercentileTable = update.PercentileTable
	return nil
}

func (r memExams) MarkNormalized(_ context.Context, examID string, at time.Time, submissions int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	exam := r.db.exams[examID]
	exam.LastNormalizedAt = &at
	exam.SubsAtLastNormalization = submissions
	return nil
}

func (r memExams) MarkRanked(_ context.Context, examID string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.exams[examID].LastRankedAt = &at
	return nil
}

func (r memExams) ResetDriftBaseline(_ context.Context, examID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	exam, ok := r.db.exams[examID]
	if !ok {
		return sql.ErrNoRows
	}
	exam.SubsAtLastNormalization = 0
	return nil
}

func (r memExams) UpdateSettings(_ context.Context, examID string, settings models.NormalizationSettings) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	exam, ok := r.db.exams[examID]
	if !ok {
		return sql.ErrNoRows
	}
	exam.NormalizationMethod = settings.Method
	exam.NormalizationConfig = settings.Config
	exam.NormalizationEnabled = settings.Enabled
	exam.ReNormThreshold = settings.ReNormThreshold
	return nil
}

type memShifts struct{ db *memDB }

func (r memShifts) FindByID(_ context.Context, id string) (*models.Shift, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	shift, ok := r.db.shifts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *shift
	return &clone, nil
}

func (r memShifts) ApplyIncrement(_ context.Context, shiftID, submissionID string) (*models.Shift, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	shift, ok := r.db.shifts[shiftID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	sub, ok := r.db.subs[submissionID]
	if !ok || sub.ShiftID != shiftID || r.db.counted[submissionID] || math.IsNaN(sub.RawScore) || math.IsInf(sub.RawScore, 0) {
		clone := *shift
		return &clone, nil
	}
	r.db.counted[submissionID] = true
	raw := sub.RawScore
	if shift.CandidateCount == 0 || raw < shift.MinRawScore {
		shift.MinRawScore = raw
	}
	if shift.CandidateCount == 0 || raw > shift.MaxRawScore {
		shift.MaxRawScore = raw
	}
	shift.CandidateCount++
	shift.ScoreSum += raw
	shift.ScoreSumSq += raw * raw
	n := float64(shift.CandidateCount)
	shift.MeanRawScore = shift.ScoreSum / n
	shift.StdDevRawScore = math.Sqrt(math.Max(shift.ScoreSumSq/n-shift.MeanRawScore*shift.MeanRawScore, 0))
	clone := *shift
	return &clone, nil
}

func (r memShifts) RecomputeAggregates(_ context.Context, shiftIDs []string) ([]models.ShiftAggregate, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	ids := append([]string(nil), shiftIDs...)
	sort.Strings(ids)
	var aggs []models.ShiftAggregate
	for _, id := range ids {
		shift, ok := r.db.shifts[id]
		if !ok {
			continue
		}
		for _, subID := range r.db.order {
			if sub, ok := r.db.subs[subID]; ok && sub.ShiftID == id {
				r.db.counted[subID] = true
			}
		}
		agg := aggregateOf(id, r.db.shiftScores(id))
		shift.CandidateCount = agg.Count
		shift.ScoreSum = agg.Sum
		shift.ScoreSumSq = agg.SumSq
		shift.MeanRawScore = agg.Mean
		shift.StdDevRawScore = agg.StdDev
		shift.MinRawScore = agg.Min
		shift.MaxRawScore = agg.Max
		aggs = append(aggs, agg)
	}
	return aggs, nil
}

func (r memShifts) ListByExam(_ context.Context, examID string) ([]models.Shift, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.Shift
	for _, id := range r.db.shiftIDs(examID) {
		out = append(out, *r.db.shifts[id])
	}
	return out, nil
}

type memSubmissions struct {
	db *memDB
	// afterBulk runs after every BulkSetNormalized call with the call count.
	afterBulk func(call int)
	bulkCalls int
	bulkErr   error
	// afterSnapshot runs once the snapshot view has been taken.
	afterSnapshot func()
	scopeErr      error
}

func (r *memSubmissions) Create(_ context.Context, sub *models.Submission) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.subs {
		if existing.ExamID == sub.ExamID && existing.RollNumber == sub.RollNumber {
			return repository.ErrDuplicateSubmission
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.NormalizationState == "" {
		sub.NormalizationState = models.NormalizationStateRawOnly
	}
	clone := *sub
	r.db.subs[sub.ID] = &clone
	r.db.order = append(r.db.order, sub.ID)
	return nil
}

func (r *memSubmissions) FindByID(_ context.Context, id string) (*models.Submission, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	sub, ok := r.db.subs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *sub
	return &clone, nil
}

func (r *memSubmissions) UpdateRawScore(_ context.Context, id string, raw float64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	sub, ok := r.db.subs[id]
	if !ok {
		return sql.ErrNoRows
	}
	sub.RawScore = raw
	sub.NormalizedScore = nil
	sub.NormalizationState = models.NormalizationStateRawOnly
	sub.Status = models.SubmissionStatusCorrected
	return nil
}

func (r *memSubmissions) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.subs[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.db.subs, id)
	return nil
}

func (r *memSubmissions) CountAboveInShift(_ context.Context, shiftID string, raw float64) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	count := 0
	for _, score := range r.db.shiftScores(shiftID) {
		if score > raw {
			count++
		}
	}
	return count, nil
}

func (r *memSubmissions) SetNormalizedScore(_ context.Context, id string, score float64, state models.NormalizationState) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	sub := r.db.subs[id]
	sub.NormalizedScore = &score
	sub.NormalizationState = state
	return nil
}

func (r *memSubmissions) BulkSetNormalized(_ context.Context, updates []models.NormalizedUpdate, state models.NormalizationState) error {
	if r.bulkErr != nil {
		return r.bulkErr
	}
	r.db.mu.Lock()
	for _, u := range updates {
		if sub, ok := r.db.subs[u.SubmissionID]; ok {
			score := u.NormalizedScore
			sub.NormalizedScore = &score
			sub.NormalizationState = state
		}
	}
	r.bulkCalls++
	call := r.bulkCalls
	r.db.mu.Unlock()
	if r.afterBulk != nil {
		r.afterBulk(call)
	}
	return nil
}

func (r *memSubmissions) ExamScores(_ context.Context, examID string, normalized bool) ([]float64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var scores []float64
	for _, sub := range r.db.examSubs(examID) {
		switch {
		case normalized && sub.NormalizedScore != nil:
			scores = append(scores, *sub.NormalizedScore)
		case !normalized:
			scores = append(scores, sub.RawScore)
		}
	}
	sort.Float64s(scores)
	return scores, nil
}

func (r *memSubmissions) ScopeCounts(_ context.Context, submissionID string) (*models.ScopeCounts, error) {
	if r.scopeErr != nil {
		return nil, r.scopeErr
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	target, ok := r.db.subs[submissionID]
	if !ok {
		return &models.ScopeCounts{}, nil
	}
	score := target.RankingScore()
	counts := &models.ScopeCounts{}
	for _, sub := range r.db.examSubs(target.ExamID) {
		above := sub.RankingScore() > score
		counts.OverallTotal++
		if above {
			counts.OverallAbove++
		}
		if sub.Category == target.Category {
			counts.CategoryTotal++
			if above {
				counts.CategoryAbove++
			}
		}
		if sub.ShiftID == target.ShiftID {
			counts.ShiftTotal++
			if above {
				counts.ShiftAbove++
			}
		}
		if target.State != nil && sub.State != nil && *sub.State == *target.State {
			counts.StateTotal++
			if above {
				counts.StateAbove++
			}
		}
	}
	return counts, nil
}

func (r *memSubmissions) SetRankPosition(_ context.Context, id string, pos models.RankPosition) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	applyPosition(r.db.subs[id], pos)
	return nil
}

func (r *memSubmissions) ApplyRanks(ctx context.Context, examID string) (int64, error) {
	r.db.mu.Lock()
	subs := r.db.examSubs(examID)
	r.db.mu.Unlock()
	var ranked int64
	for _, sub := range subs {
		counts, err := r.ScopeCounts(ctx, sub.ID)
		if err != nil {
			return 0, err
		}
		r.db.mu.Lock()
		applyPosition(sub, PositionFromCounts(*counts))
		r.db.mu.Unlock()
		ranked++
	}
	return ranked, nil
}

func applyPosition(sub *models.Submission, pos models.RankPosition) {
	overall, category, shift := pos.OverallRank, pos.CategoryRank, pos.ShiftRank
	op, cp, sp := pos.OverallPercentile, pos.CategoryPercentile, pos.ShiftPercentile
	sub.OverallRank = &overall
	sub.CategoryRank = &category
	sub.ShiftRank = &shift
	sub.StateRank = pos.StateRank
	sub.OverallPercentile = &op
	sub.CategoryPercentile = &cp
	sub.ShiftPercentile = &sp
}

func (r *memSubmissions) List(_ context.Context, filter models.SubmissionFilter) ([]models.Submission, int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.Submission
	for _, sub := range r.db.examSubs(filter.ExamID) {
		if filter.ShiftID != "" && sub.ShiftID != filter.ShiftID {
			continue
		}
		if filter.Category != "" && sub.Category != filter.Category {
			continue
		}
		out = append(out, *sub)
	}
	return out, len(out), nil
}

func (r *memSubmissions) OpenSnapshot(_ context.Context, examID string) (repository.Snapshot, error) {
	r.db.mu.Lock()
	snap := &memSnapshot{shifts: r.db.shiftIDs(examID)}
	for _, sub := range r.db.examSubs(examID) {
		snap.rows = append(snap.rows, models.ScoreRow{ID: sub.ID, ShiftID: sub.ShiftID, RawScore: sub.RawScore})
	}
	r.db.mu.Unlock()
	if r.afterSnapshot != nil {
		r.afterSnapshot()
	}
	return snap, nil
}

type memSnapshot struct {
	shifts []string
	rows   []models.ScoreRow
	closed bool
}

func (s *memSnapshot) CountSubmissions(context.Context) (int, error) {
	return len(s.rows), nil
}

func (s *memSnapshot) ShiftAggregates(context.Context) ([]models.ShiftAggregate, error) {
	aggs := make([]models.ShiftAggregate, 0, len(s.shifts))
	for _, id := range s.shifts {
		var scores []float64
		for _, row := range s.rows {
			if row.ShiftID == id {
				scores = append(scores, row.RawScore)
			}
		}
		aggs = append(aggs, aggregateOf(id, scores))
	}
	return aggs, nil
}

func (s *memSnapshot) ExamScores(context.Context) ([]float64, error) {
	var scores []float64
	for _, row := range s.rows {
		if !math.IsNaN(row.RawScore) && !math.IsInf(row.RawScore, 0) {
			scores = append(scores, row.RawScore)
		}
	}
	sort.Float64s(scores)
	return scores, nil
}

func (s *memSnapshot) ForEachScore(_ context.Context, shiftID string, fn func(models.ScoreRow) error) error {
	var rows []models.ScoreRow
	for _, row := range s.rows {
		if row.ShiftID == shiftID {
			rows = append(rows, row)
		}
	}
	// Postgres orders NaN above every other value.
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].RawScore, rows[j].RawScore
		if math.IsNaN(a) != math.IsNaN(b) {
			return math.IsNaN(a)
		}
		if a != b {
			return a > b
		}
		return rows[i].ID < rows[j].ID
	})
	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *memSnapshot) Close() error {
	s.closed = true
	return nil
}

type memJobs struct{ db *memDB }

func (r memJobs) Create(_ context.Context, job *models.NormalizationJob) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.jobs {
		if existing.ExamID == job.ExamID && existing.Status.Active() {
			return repository.ErrActiveJobExists
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	clone := *job
	r.db.jobs[job.ID] = &clone
	return nil
}

func (r memJobs) GetByID(_ context.Context, id string) (*models.NormalizationJob, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	job, ok := r.db.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *job
	return &clone, nil
}

func (r memJobs) Update(_ context.Context, id string, params repository.UpdateJobParams) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	job, ok := r.db.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.Total != nil {
		job.Total = *params.Total
	}
	if params.Processed != nil {
		job.Processed = *params.Processed
	}
	if params.Skipped != nil {
		job.Skipped = *params.Skipped
	}
	if params.Errors != nil {
		job.Errors = *params.Errors
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = params.ErrorMessage
	}
	if params.StartedAt != nil {
		job.StartedAt = params.StartedAt
	}
	if params.FinishedAt != nil {
		job.FinishedAt = params.FinishedAt
	}
	return nil
}

func (r memJobs) FindActiveByExam(_ context.Context, examID string) (*models.NormalizationJob, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, job := range r.db.jobs {
		if job.ExamID == examID && job.Status.Active() {
			clone := *job
			return &clone, nil
		}
	}
	return nil, nil
}

func (r memJobs) RequestCancel(_ context.Context, id string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	job, ok := r.db.jobs[id]
	if !ok || !job.Status.Active() {
		return false, nil
	}
	job.CancelRequested = true
	return true, nil
}

func (r memJobs) IsCancelRequested(_ context.Context, id string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	job, ok := r.db.jobs[id]
	return ok && job.CancelRequested, nil
}

func (r memJobs) ListByStatus(_ context.Context, status models.JobStatus, _ int) ([]models.NormalizationJob, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.NormalizationJob
	for _, job := range r.db.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	return out, nil
}

// recordingQueue captures enqueued jobs instead of running them.
type recordingQueue struct {
	mu     sync.Mutex
	queued []jobs.Job
	err    error
}

func (q *recordingQueue) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = append(q.queued, job)
	return nil
}

func (q *recordingQueue) jobs() []jobs.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]jobs.Job(nil), q.queued...)
}

type memCacheRepo struct {
	mu    sync.Mutex
	store map[string][]byte
}

func (c *memCacheRepo) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.store[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(payload, dest)
}

func (c *memCacheRepo) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		c.store = map[string][]byte{}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.store[key] = payload
	return nil
}

func (c *memCacheRepo) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.store, key)
	}
	return nil
}

func (c *memCacheRepo) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.store[key]
	return ok
}
