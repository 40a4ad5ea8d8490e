package availability

import (
	"context"
	"sort"
	"time"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
)

// DayQuery asks what is offerable on one specific date. Criteria come in
// already resolved; the engine never guesses at names.
type DayQuery struct {
	Clinic    catalog.Clinic
	SessionID string
	Date      timeloc.Date
	Criteria  []Criteria
}

// CriteriaSlots is one criteria's share of a day scan.
type CriteriaSlots struct {
	Criteria  Criteria
	Slots     []time.Time
	FromCache bool // answered without a PMS call
	Failed    bool // fetch errored; Slots is unknowable, not empty
}

// DayResult is everything offerable on the queried date.
type DayResult struct {
	Date     timeloc.Date
	Results  []CriteriaSlots
	Filtered int  // slots suppressed by session rejections or recent failures
	Partial  bool // at least one criteria could not be answered
}

// Slots flattens the per-criteria results into offerable slots sorted by
// start time.
func (r DayResult) Slots() []Slot {
	var out []Slot
	for _, cs := range r.Results {
		for _, t := range cs.Slots {
			out = append(out, Slot{Criteria: cs.Criteria, Start: t})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Empty reports whether nothing survived the scan.
func (r DayResult) Empty() bool {
	for _, cs := range r.Results {
		if len(cs.Slots) > 0 {
			return false
		}
	}
	return true
}

// SlotsOnDate answers one date for every criteria. Cached days are served
// without touching the PMS; the misses fan out over the worker pool. A query
// without a date is rerouted rather than silently treated as today.
func (e *Engine) SlotsOnDate(ctx context.Context, q DayQuery) (DayResult, error) {
	if q.Date.IsZero() {
		return DayResult{}, ErrUseFindNext
	}
	res := DayResult{Date: q.Date, Results: make([]CriteriaSlots, len(q.Criteria))}
	if len(q.Criteria) == 0 {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.scanTimeout)
	defer cancel()

	filter := e.loadFilter(ctx, q.Clinic.ID, q.SessionID)
	src := e.clients(q.Clinic)

	var tasks []task
	var taskIdx []int
	for i, c := range q.Criteria {
		res.Results[i] = CriteriaSlots{Criteria: c}

		if !worksOn(e.workingDays(ctx, c), q.Date) {
			res.Results[i].FromCache = true
			continue
		}

		key := cache.Key{
			ClinicID:       q.Clinic.ID,
			PractitionerID: c.PractitionerID,
			BusinessID:     c.BusinessID,
			Date:           q.Date,
		}
		if slots, ok := e.cache.Availability(ctx, key); ok {
			res.Results[i].FromCache = true
			res.Results[i].Slots = e.offerable(slots, c, filter, &res.Filtered)
			continue
		}
		tasks = append(tasks, task{criteria: c, dates: []timeloc.Date{q.Date}})
		taskIdx = append(taskIdx, i)
	}

	for ti, tr := range e.runTasks(ctx, q.Clinic, src, tasks) {
		i := taskIdx[ti]
		if tr.err != nil {
			res.Results[i].Failed = true
			res.Partial = true
			continue
		}
		res.Results[i].Slots = e.offerable(tr.slots[q.Date], q.Criteria[i], filter, &res.Filtered)
	}

	outcome := "ok"
	switch {
	case res.Partial:
		outcome = "partial"
	case res.Empty():
		outcome = "empty"
	}
	e.metrics.ObserveAvailabilityScan("single_date", outcome)
	return res, nil
}

// offerable applies the shared suppression predicate and returns the
// survivors sorted ascending.
func (e *Engine) offerable(slots []time.Time, c Criteria, keep slotFilter, filtered *int) []time.Time {
	out := make([]time.Time, 0, len(slots))
	for _, t := range slots {
		if keep(c.PractitionerID, c.BusinessID, t) {
			out = append(out, t)
		} else {
			*filtered++
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
