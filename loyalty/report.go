/*
report.go - Day / shift / branch report aggregation

PURPOSE:
  Turns transaction log records into summaries for a bounded date range.
  BuildReport is a pure function of its inputs: it never touches the
  ledger or the registry, and all grouping keys come from the snapshot
  fields stored on each record.

GROUPING:
  Day (UTC calendar day of CreatedAt)
    -> Shift ("unassigned" when empty)
       -> Reward system (by name snapshot)
  Plus totals by shift, totals by system, and a branch summary
  (branch -> shift, "unassigned" for missing ids).

SUMS:
  Points and stamps are signed net deltas, so a redeem lowers the total.
  Transactions counts every record in the group. For system groups it
  counts records with at least one item for that system.

DETERMINISM:
  Every output slice is sorted, so encoding the same report twice yields
  identical bytes.

RANGE GUARD:
  BuildReport only requires start <= end. The caller-side Reports.Build
  rejects ranges longer than MaxDays.

SEE ALSO:
  - txlog.go: Source records
  - api/handlers.go: GET /businesses/{id}/report
*/
package loyalty

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Unassigned labels records with no shift or branch.
const Unassigned = "unassigned"

const DefaultReportMaxDays = 90

type ReportParams struct {
	BusinessID BusinessID
	Start      time.Time // first day, inclusive
	End        time.Time // last day, inclusive
	ShiftIDs   []string  // "unassigned" matches records without a shift
	Types      []TransactionType
}

type Totals struct {
	Transactions int   `json:"transactions"`
	Points       int64 `json:"points"`
	Stamps       int64 `json:"stamps"`
}

func (t *Totals) addRecord(rec TransactionRecord) {
	t.Transactions++
	t.Points += rec.TotalPointsDelta
	t.Stamps += rec.TotalStampsDelta
}

type SystemTotals struct {
	RewardSystemName string `json:"reward_system_name"`
	Totals
}

type ShiftTotals struct {
	ShiftID string `json:"shift_id"`
	Totals
}

type ShiftReport struct {
	ShiftID string         `json:"shift_id"`
	Totals  Totals         `json:"totals"`
	Systems []SystemTotals `json:"systems"`
}

type DayReport struct {
	Date   string        `json:"date"`
	Totals Totals        `json:"totals"`
	Shifts []ShiftReport `json:"shifts"`
}

type BranchSummary struct {
	BranchID string        `json:"branch_id"`
	Totals   Totals        `json:"totals"`
	Shifts   []ShiftTotals `json:"shifts"`
}

type ReportData struct {
	BusinessID     BusinessID      `json:"business_id"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	Days           []DayReport     `json:"days"`
	TotalsByShift  []ShiftTotals   `json:"totals_by_shift"`
	TotalsBySystem []SystemTotals  `json:"totals_by_system"`
	Branches       []BranchSummary `json:"branches"`
	Totals         Totals          `json:"totals"`
}

// BuildReport aggregates records belonging to p.BusinessID within the
// inclusive day range [p.Start, p.End].
func BuildReport(records []TransactionRecord, p ReportParams) (*ReportData, error) {
	start, end := StartOfDay(p.Start), StartOfDay(p.End)
	if end.Before(start) {
		return nil, ErrInvalidDateRange
	}
	until := end.AddDate(0, 0, 1)
	shifts := stringSet(p.ShiftIDs)
	types := make(map[TransactionType]bool, len(p.Types))
	for _, t := range p.Types {
		types[t] = true
	}

	type shiftAgg struct {
		totals  Totals
		systems map[string]*Totals
	}
	type dayAgg struct {
		totals Totals
		shifts map[string]*shiftAgg
	}
	type branchAgg struct {
		totals Totals
		shifts map[string]*Totals
	}

	days := make(map[string]*dayAgg)
	byShift := make(map[string]*Totals)
	bySystem := make(map[string]*Totals)
	branches := make(map[string]*branchAgg)
	var grand Totals

	for _, rec := range records {
		if rec.BusinessID != p.BusinessID {
			continue
		}
		at := rec.CreatedAt.UTC()
		if at.Before(start) || !at.Before(until) {
			continue
		}
		shiftID := orUnassigned(rec.ShiftID)
		if len(shifts) > 0 && !shifts[shiftID] {
			continue
		}
		if len(types) > 0 && !types[rec.Type] {
			continue
		}
		branchID := orUnassigned(rec.BranchID)

		day := days[DayKey(at)]
		if day == nil {
			day = &dayAgg{shifts: make(map[string]*shiftAgg)}
			days[DayKey(at)] = day
		}
		sh := day.shifts[shiftID]
		if sh == nil {
			sh = &shiftAgg{systems: make(map[string]*Totals)}
			day.shifts[shiftID] = sh
		}
		br := branches[branchID]
		if br == nil {
			br = &branchAgg{shifts: make(map[string]*Totals)}
			branches[branchID] = br
		}

		grand.addRecord(rec)
		day.totals.addRecord(rec)
		sh.totals.addRecord(rec)
		totalsFor(byShift, shiftID).addRecord(rec)
		br.totals.addRecord(rec)
		totalsFor(br.shifts, shiftID).addRecord(rec)

		for name, t := range systemDeltas(rec) {
			for _, m := range []map[string]*Totals{sh.systems, bySystem} {
				agg := totalsFor(m, name)
				agg.Transactions++
				agg.Points += t.Points
				agg.Stamps += t.Stamps
			}
		}
	}

	out := &ReportData{
		BusinessID:     p.BusinessID,
		StartDate:      DayKey(start),
		EndDate:        DayKey(end),
		Days:           []DayReport{},
		TotalsByShift:  shiftTotals(byShift),
		TotalsBySystem: systemTotals(bySystem),
		Branches:       []BranchSummary{},
		Totals:         grand,
	}
	for _, key := range sortedKeys(days) {
		d := days[key]
		dr := DayReport{Date: key, Totals: d.totals, Shifts: []ShiftReport{}}
		for _, sid := range shiftOrder(d.shifts) {
			sh := d.shifts[sid]
			dr.Shifts = append(dr.Shifts, ShiftReport{
				ShiftID: sid,
				Totals:  sh.totals,
				Systems: systemTotals(sh.systems),
			})
		}
		out.Days = append(out.Days, dr)
	}
	for _, bid := range shiftOrder(branches) {
		b := branches[bid]
		out.Branches = append(out.Branches, BranchSummary{
			BranchID: bid,
			Totals:   b.totals,
			Shifts:   shiftTotals(b.shifts),
		})
	}
	return out, nil
}

// =============================================================================
// REPORTS - Caller-side guard and log scan
// =============================================================================

type ReportRequest = ReportParams

// Reports loads log records for a business and builds the report.
type Reports struct {
	Store   TransactionStore
	MaxDays int
}

func NewReports(store TransactionStore) *Reports {
	return &Reports{Store: store, MaxDays: DefaultReportMaxDays}
}

func (r *Reports) Build(ctx context.Context, req ReportRequest) (*ReportData, error) {
	start, end := StartOfDay(req.Start), StartOfDay(req.End)
	if end.Before(start) {
		return nil, ErrInvalidDateRange
	}
	maxDays := r.MaxDays
	if maxDays <= 0 {
		maxDays = DefaultReportMaxDays
	}
	if days := int(end.Sub(start).Hours()/24) + 1; days > maxDays {
		return nil, fmt.Errorf("%w: %d days requested, at most %d allowed", ErrReportRangeTooLarge, days, maxDays)
	}

	until := end.AddDate(0, 0, 1)
	records, _, err := r.Store.ListTransactions(ctx, TransactionFilter{
		BusinessID: req.BusinessID,
		From:       &start,
		To:         &until,
		Types:      req.Types,
		Ascending:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan transactions: %w", err)
	}
	return BuildReport(records, req)
}

// =============================================================================
// HELPERS
// =============================================================================

// systemDeltas sums a record's items by reward system name snapshot.
func systemDeltas(rec TransactionRecord) map[string]Totals {
	out := make(map[string]Totals, len(rec.Items))
	for _, it := range rec.Items {
		name := it.RewardSystemName
		if name == "" {
			name = string(it.RewardSystemID)
		}
		t := out[name]
		t.Points += it.PointsDelta
		t.Stamps += it.StampsDelta
		out[name] = t
	}
	return out
}

func totalsFor(m map[string]*Totals, key string) *Totals {
	t := m[key]
	if t == nil {
		t = &Totals{}
		m[key] = t
	}
	return t
}

func shiftTotals(m map[string]*Totals) []ShiftTotals {
	out := make([]ShiftTotals, 0, len(m))
	for _, k := range shiftOrder(m) {
		out = append(out, ShiftTotals{ShiftID: k, Totals: *m[k]})
	}
	return out
}

func systemTotals(m map[string]*Totals) []SystemTotals {
	out := make([]SystemTotals, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, SystemTotals{RewardSystemName: k, Totals: *m[k]})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shiftOrder sorts ids with Unassigned last.
func shiftOrder[V any](m map[string]V) []string {
	keys := sortedKeys(m)
	sort.SliceStable(keys, func(i, j int) bool {
		return keys[i] != Unassigned && keys[j] == Unassigned
	})
	return keys
}

func orUnassigned(id string) string {
	if id == "" {
		return Unassigned
	}
	return id
}

func stringSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[orUnassigned(v)] = true
	}
	return out
}
