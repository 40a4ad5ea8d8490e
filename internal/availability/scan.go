package availability

import (
	"context"
	"sync"
	"time"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
)

// task is one PMS fetch: one criteria over an explicit set of dates that all
// fall inside a single window the PMS accepts.
type task struct {
	criteria Criteria
	dates    []timeloc.Date
}

// taskResult carries the fetched slots bucketed by clinic-local civil date,
// with an entry for every requested date even when the day came back empty.
type taskResult struct {
	slots map[timeloc.Date][]time.Time
	err   error
}

// runTasks fans the tasks out over the worker pool and returns one result
// per task, indexed to match. Indexing by submission keeps aggregation order
// independent of goroutine scheduling.
func (e *Engine) runTasks(ctx context.Context, clinic catalog.Clinic, src SlotSource, tasks []task) []taskResult {
	results := make([]taskResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	workers := e.workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	jobs := make(chan int, len(tasks))
	for i := range tasks {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = e.fetchTask(ctx, clinic, src, tasks[i])
			}
		}()
	}
	wg.Wait()
	return results
}

// fetchTask pulls one criteria's availability from the PMS and writes every
// requested date back to the cache, empty days included. The cached empty
// day is what keeps the next scan from asking the PMS the same question.
func (e *Engine) fetchTask(ctx context.Context, clinic catalog.Clinic, src SlotSource, t task) taskResult {
	if err := ctx.Err(); err != nil {
		return taskResult{err: err}
	}

	from := t.dates[0]
	to := t.dates[len(t.dates)-1]

	start := time.Now()
	times, err := src.AvailableTimes(ctx, string(t.criteria.BusinessID), string(t.criteria.PractitionerID), string(t.criteria.ServiceID), from, to)
	if err != nil {
		e.metrics.ObservePMSRequest("available_times", "error", time.Since(start))
		e.logger.Warn("availability fetch failed",
			"error", err,
			"practitioner_id", t.criteria.PractitionerID,
			"business_id", t.criteria.BusinessID,
			"from", from, "to", to)
		return taskResult{err: err}
	}
	e.metrics.ObservePMSRequest("available_times", "ok", time.Since(start))

	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)
	byDate := make(map[timeloc.Date][]time.Time, len(t.dates))
	for _, d := range t.dates {
		byDate[d] = nil
	}
	for _, at := range times {
		ts, perr := timeloc.ParseTimestamp(at.AppointmentStart, loc)
		if perr != nil {
			e.logger.Warn("skipping unparseable slot", "error", perr, "raw", at.AppointmentStart)
			continue
		}
		d := timeloc.DateOf(ts, loc)
		if _, asked := byDate[d]; !asked {
			// The PMS returns whole days; a slot whose local date falls
			// outside the asked set belongs to a day we did not request.
			continue
		}
		byDate[d] = append(byDate[d], ts)
	}

	for _, d := range t.dates {
		key := cache.Key{
			ClinicID:       clinic.ID,
			PractitionerID: t.criteria.PractitionerID,
			BusinessID:     t.criteria.BusinessID,
			Date:           d,
		}
		e.cache.SetAvailability(ctx, key, byDate[d], cache.AvailabilityTTL)
	}
	return taskResult{slots: byDate}
}

// windowDates lists the working days for one criteria between from and to
// inclusive.
func windowDates(days map[time.Weekday]bool, from, to timeloc.Date) []timeloc.Date {
	var out []timeloc.Date
	for d := from; !d.After(to); d = d.AddDays(1) {
		if worksOn(days, d) {
			out = append(out, d)
		}
	}
	return out
}
