package loyalty_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

var propertySystems = []loyalty.RewardSystemID{"rs-a", "rs-b", "rs-c"}

// TestLedgerNonNegativity verifies no sequence of deltas drives a counter
// below zero and rejected deltas leave the prior totals untouched.
// Property: after every ApplyDelta, per-system counters equal the running
// sum of accepted deltas and are >= 0
func TestLedgerNonNegativity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("counters never go negative", prop.ForAll(
		func(points []int64, stamps []int64, targets []int) bool {
			ctx := context.Background()
			ledger := loyalty.NewLedger(store.NewTxMemory(), loyalty.NewManualClock(testNow))
			expected := make(map[loyalty.RewardSystemID][2]int64)

			for i := 0; i < len(points) && i < len(stamps) && i < len(targets); i++ {
				rs := propertySystems[targets[i]]
				if points[i] == 0 && stamps[i] == 0 {
					continue
				}
				prev := expected[rs]
				_, err := ledger.ApplyDelta(ctx, "user-1", "biz-1", rs, points[i], stamps[i])
				wouldUnderflow := prev[0]+points[i] < 0 || prev[1]+stamps[i] < 0
				if wouldUnderflow != (err != nil) {
					return false
				}
				if err == nil {
					expected[rs] = [2]int64{prev[0] + points[i], prev[1] + stamps[i]}
				}

				bal, err := ledger.GetForBusiness(ctx, "user-1", "biz-1")
				if err != nil {
					return false
				}
				if bal == nil {
					if len(expected) != 0 {
						return false
					}
					continue
				}
				for id, want := range expected {
					got := bal.PerSystem[id]
					if got.Points != want[0] || got.Stamps != want[1] || got.Points < 0 || got.Stamps < 0 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(40, gen.Int64Range(-20, 20)),
		gen.SliceOfN(40, gen.Int64Range(-3, 3)),
		gen.SliceOfN(40, gen.IntRange(0, len(propertySystems)-1)),
	))

	properties.TestingRun(t)
}

// TestLedgerRollUp verifies business totals equal per-system sums.
// Property: BusinessBalance.Points == sum(PerSystem.Points) after every delta
func TestLedgerRollUp(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("business roll-up matches per-system sums", prop.ForAll(
		func(deltas []int64, targets []int) bool {
			ctx := context.Background()
			ledger := loyalty.NewLedger(store.NewTxMemory(), loyalty.NewManualClock(testNow))

			for i := 0; i < len(deltas) && i < len(targets); i++ {
				if deltas[i] == 0 {
					continue
				}
				// Points on even-indexed systems, stamps on the rest.
				rs := propertySystems[targets[i]]
				var p, s int64
				if targets[i]%2 == 0 {
					p = deltas[i]
				} else {
					s = deltas[i]
				}
				_, _ = ledger.ApplyDelta(ctx, "user-1", "biz-1", rs, p, s)

				bal, err := ledger.GetForBusiness(ctx, "user-1", "biz-1")
				if err != nil {
					return false
				}
				if bal == nil {
					continue
				}
				var sumP, sumS int64
				for _, sb := range bal.PerSystem {
					sumP += sb.Points
					sumS += sb.Stamps
				}
				if sumP != bal.Points || sumS != bal.Stamps || bal.Points < 0 || bal.Stamps < 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(50, gen.Int64Range(-15, 15)),
		gen.SliceOfN(50, gen.IntRange(0, len(propertySystems)-1)),
	))

	properties.TestingRun(t)
}

// TestReportDeterminism verifies identical logs give identical reports.
// Property: BuildReport(log) deep-equals BuildReport(log)
func TestReportDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	shifts := []string{"", "morning", "evening"}
	names := []string{"Points", "Coffee", "Bagel"}

	properties.Property("report is a pure function of the log", prop.ForAll(
		func(offsets []int, deltas []int64) bool {
			var records []loyalty.TransactionRecord
			for i := 0; i < len(offsets) && i < len(deltas); i++ {
				if deltas[i] == 0 {
					continue
				}
				records = append(records, reportRecord(
					"t", testNow.Add(-time.Duration(offsets[i])*time.Hour), shifts[i%len(shifts)], shifts[(i+1)%len(shifts)],
					loyalty.TxAdd, pts(names[i%len(names)], deltas[i]),
				))
			}
			params := loyalty.ReportParams{BusinessID: "biz-1", Start: testNow.AddDate(0, 0, -7), End: testNow}
			a, errA := loyalty.BuildReport(records, params)
			b, errB := loyalty.BuildReport(records, params)
			if errA != nil || errB != nil {
				return false
			}
			var sum int64
			for _, d := range a.Days {
				sum += d.Totals.Points
			}
			return sum == a.Totals.Points && reflect.DeepEqual(a, b)
		},
		gen.SliceOfN(30, gen.IntRange(0, 24*10)),
		gen.SliceOfN(30, gen.Int64Range(-50, 50)),
	))

	properties.TestingRun(t)
}
