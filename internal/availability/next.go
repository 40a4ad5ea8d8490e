package availability

import (
	"context"
	"sort"
	"time"

	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
)

// maxAlternatives caps how many runner-up slots ride along with the best
// one. The voice layer speaks at most two; the rest give it room to skip
// same-minute duplicates.
const maxAlternatives = 4

// NextQuery asks for the earliest offerable slot from a starting date.
type NextQuery struct {
	Clinic    catalog.Clinic
	SessionID string
	Criteria  []Criteria

	// From is the first date to scan. Zero means today in the clinic's
	// timezone.
	From timeloc.Date

	// MaxDays bounds the scan horizon. Callers pass DefaultScanDays when the
	// caller named no preference; anything above MaxScanDays is clamped.
	MaxDays int
}

// NextResult is the outcome of a find-next scan.
type NextResult struct {
	Found        bool
	Best         Slot
	Alternatives []Slot
	DaysScanned  int
	Filtered     int  // slots suppressed by session rejections or recent failures
	Partial      bool // some fetches failed; an earlier slot may exist
}

// FindNext scans forward from the starting date, one PMS-sized window at a
// time, and stops at the first window holding an offerable slot. Within that
// window it returns the earliest slot plus up to maxAlternatives runners-up.
// Later windows are never fetched once a slot is found, which keeps quiet
// calendars from burning the whole rate budget.
func (e *Engine) FindNext(ctx context.Context, q NextQuery) (NextResult, error) {
	var res NextResult
	if len(q.Criteria) == 0 || q.MaxDays <= 0 {
		return res, nil
	}
	maxDays := q.MaxDays
	if maxDays > MaxScanDays {
		maxDays = MaxScanDays
	}

	ctx, cancel := context.WithTimeout(ctx, e.scanTimeout)
	defer cancel()

	loc := timeloc.LocationOrDefault(q.Clinic.Timezone, nil)
	from := q.From
	if from.IsZero() {
		from = timeloc.Today(loc)
	}

	filter := e.loadFilter(ctx, q.Clinic.ID, q.SessionID)
	src := e.clients(q.Clinic)

	schedules := make([]map[time.Weekday]bool, len(q.Criteria))
	for i, c := range q.Criteria {
		schedules[i] = e.workingDays(ctx, c)
	}

	for offset := 0; offset < maxDays; offset += pmsWindowDays {
		span := pmsWindowDays
		if rest := maxDays - offset; rest < span {
			span = rest
		}
		wFrom := from.AddDays(offset)
		wTo := from.AddDays(offset + span - 1)
		res.DaysScanned = offset + span

		slots, partial := e.scanWindow(ctx, q.Clinic, src, q.Criteria, schedules, wFrom, wTo, filter, &res.Filtered)
		if partial {
			res.Partial = true
		}
		if len(slots) == 0 {
			continue
		}

		res.Found = true
		res.Best = slots[0]
		if len(slots) > 1 {
			n := len(slots) - 1
			if n > maxAlternatives {
				n = maxAlternatives
			}
			res.Alternatives = slots[1 : 1+n]
		}
		break
	}

	outcome := "found"
	switch {
	case !res.Found && res.Partial:
		outcome = "partial"
	case !res.Found:
		outcome = "empty"
	}
	e.metrics.ObserveAvailabilityScan("find_next", outcome)
	return res, nil
}

// scanWindow gathers every offerable slot in [wFrom, wTo] across all
// criteria: batch cache reads first, then one PMS task per criteria covering
// the dates the cache could not answer. Slots come back deduplicated and
// sorted by start time; ties keep criteria submission order.
func (e *Engine) scanWindow(ctx context.Context, clinic catalog.Clinic, src SlotSource, criteria []Criteria, schedules []map[time.Weekday]bool, wFrom, wTo timeloc.Date, keep slotFilter, filtered *int) ([]Slot, bool) {
	perCriteria := make([][]time.Time, len(criteria))

	var tasks []task
	var taskIdx []int
	for i, c := range criteria {
		dates := windowDates(schedules[i], wFrom, wTo)
		if len(dates) == 0 {
			continue
		}

		cached := e.cache.AvailabilityRange(ctx, c.PractitionerID, c.BusinessID, wFrom, wTo)
		var missing []timeloc.Date
		for _, d := range dates {
			if slots, ok := cached[d]; ok {
				perCriteria[i] = append(perCriteria[i], slots...)
			} else {
				missing = append(missing, d)
			}
		}
		if len(missing) > 0 {
			tasks = append(tasks, task{criteria: c, dates: missing})
			taskIdx = append(taskIdx, i)
		}
	}

	partial := false
	for ti, tr := range e.runTasks(ctx, clinic, src, tasks) {
		if tr.err != nil {
			partial = true
			continue
		}
		i := taskIdx[ti]
		for _, day := range tr.slots {
			perCriteria[i] = append(perCriteria[i], day...)
		}
	}

	var out []Slot
	seen := make(map[string]struct{})
	for i, c := range criteria {
		for _, t := range perCriteria[i] {
			key := catalog.SlotKey(c.PractitionerID, c.BusinessID, t)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if !keep(c.PractitionerID, c.BusinessID, t) {
				*filtered++
				continue
			}
			out = append(out, Slot{Criteria: c, Start: t})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Start.Before(out[b].Start) })
	return out, partial
}
