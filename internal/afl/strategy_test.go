package afl

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

const (
	testTarget = "/opt/fuzz/target.bin"
	testCmplog = "/opt/fuzz/target.cmplog"
	testCmpcov = "/opt/fuzz/target_cmpcov"
)

func newInvocations(n int) []FuzzerInvocation {
	invs := make([]FuzzerInvocation, n)
	for i := range invs {
		invs[i] = FuzzerInvocation{FuzzerBinary: "afl-fuzz", TargetBinary: testTarget}
	}
	return invs
}

func countWithFlag(invs []FuzzerInvocation, flag string) int {
	n := 0
	for i := range invs {
		if invs[i].hasExactFlag(flag) {
			n++
		}
	}
	return n
}

func countPrefix(inv *FuzzerInvocation, prefix string) int {
	n := 0
	for _, f := range inv.Flags {
		if strings.HasPrefix(f, prefix) {
			n++
		}
	}
	return n
}

func TestDistribute(t *testing.T) {
	candidates := indexRange(1, 10)
	buckets := distribute(newRNG(5), candidates, 10, []float64{0.4, 0.2})
	if len(buckets[0]) != 4 || len(buckets[1]) != 2 {
		t.Fatalf("unexpected bucket sizes %d/%d", len(buckets[0]), len(buckets[1]))
	}
	seen := map[int]bool{}
	for _, bucket := range buckets {
		for _, idx := range bucket {
			if idx < 1 || idx >= 10 {
				t.Fatalf("index %d outside candidates", idx)
			}
			if seen[idx] {
				t.Fatalf("index %d assigned twice", idx)
			}
			seen[idx] = true
		}
	}

	capped := distribute(newRNG(5), []int{3, 4}, 10, []float64{0.5, 0.5})
	if len(capped[0]) != 2 || len(capped[1]) != 0 {
		t.Fatalf("expected candidates to run out, got %v", capped)
	}
}

func TestPowerSchedulesCycle(t *testing.T) {
	invs := newInvocations(10)
	NewEngine(zaptest.NewLogger(t), newRNG(1)).Apply(invs, NewStrategyPlan(ModeDefault))
	for i := range invs {
		want := DefaultPowerSchedules[i%len(DefaultPowerSchedules)].Flag()
		if invs[i].Flags[0] != want {
			t.Fatalf("worker %d: expected %q first, got %q", i, want, invs[i].Flags[0])
		}
	}
}

func TestCmplogAssignment(t *testing.T) {
	tests := []struct {
		name      string
		runners   int
		ratio     float64
		wantModes map[string]int
	}{
		{"none", 3, 0.3, map[string]int{}},
		{"one", 4, 0.3, map[string]int{"-l 2AT": 1}},
		{"two", 7, 0.3, map[string]int{"-l 2": 1, "-l 2AT": 1}},
		{"three", 10, 0.3, map[string]int{"-l 2": 1, "-l 2AT": 1, "-l 3": 1}},
		{"weighted", 20, 0.3, map[string]int{"-l 2": 4, "-l 3": 0, "-l 2AT": 1}},
		{"all workers", 2, 1.0, map[string]int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invs := newInvocations(tt.runners)
			plan := NewStrategyPlan(ModeDefault).WithCmplog(testCmplog, tt.ratio)
			applied := NewEngine(zaptest.NewLogger(t), newRNG(11)).Apply(invs, plan)

			total := 0
			for mode, want := range tt.wantModes {
				if got := countWithFlag(invs, mode); got != want {
					t.Errorf("%s: expected %d, got %d", mode, want, got)
				}
				total += want
			}
			if got := countWithFlag(invs, "-c "+testCmplog); got != total {
				t.Errorf("expected %d workers with -c, got %d", total, got)
			}
			if len(applied.Cmplog) != total {
				t.Errorf("applied set has %d entries, want %d", len(applied.Cmplog), total)
			}
			if invs[0].HasFlag("-c ") {
				t.Error("primary received cmplog")
			}
		})
	}
}

func TestCmplogWeightedRange(t *testing.T) {
	// 20 workers at 0.3 reserve workers 1..6
	invs := newInvocations(20)
	plan := NewStrategyPlan(ModeDefault).WithCmplog(testCmplog, 0.3)
	applied := NewEngine(zaptest.NewLogger(t), newRNG(2)).Apply(invs, plan)
	for idx := range applied.Cmplog {
		if idx < 1 || idx > 6 {
			t.Fatalf("cmplog worker %d outside reserved range", idx)
		}
	}
}

func TestCmpcovAssignment(t *testing.T) {
	tests := []struct {
		name    string
		runners int
		cmplog  bool
		want    int
	}{
		{"too small", 2, false, 0},
		{"small", 5, false, 1},
		{"medium", 10, true, 2},
		{"large", 16, false, 3},
		{"four workers", 4, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invs := newInvocations(tt.runners)
			plan := NewStrategyPlan(ModeDefault).WithCmpcov(testCmpcov)
			if tt.cmplog {
				plan = plan.WithCmplog(testCmplog, 0.3)
			}
			applied := NewEngine(zaptest.NewLogger(t), newRNG(4)).Apply(invs, plan)

			if len(applied.Cmpcov) != tt.want {
				t.Fatalf("expected %d cmpcov workers, got %d", tt.want, len(applied.Cmpcov))
			}
			swapped := 0
			for i := range invs {
				if invs[i].TargetBinary == testCmpcov {
					swapped++
					if _, ok := applied.Cmpcov[i]; !ok {
						t.Errorf("worker %d swapped but not recorded", i)
					}
				}
			}
			if swapped != tt.want {
				t.Errorf("expected %d swapped targets, got %d", tt.want, swapped)
			}
			for idx := range applied.Cmpcov {
				if idx == 0 {
					t.Error("primary received cmpcov")
				}
				if _, ok := applied.Cmplog[idx]; ok {
					t.Errorf("worker %d has both cmplog and cmpcov", idx)
				}
			}
		})
	}
}

func TestCmpcovNoEligibleWorkers(t *testing.T) {
	// 4 workers at ratio 0.75 -> 3 cmplog workers fill 1..3
	invs := newInvocations(4)
	plan := NewStrategyPlan(ModeDefault).WithCmplog(testCmplog, 0.75).WithCmpcov(testCmpcov)
	applied := NewEngine(zaptest.NewLogger(t), newRNG(8)).Apply(invs, plan)
	if len(applied.Cmplog) != 3 || len(applied.Cmpcov) != 0 {
		t.Fatalf("expected 3 cmplog and 0 cmpcov, got %d and %d", len(applied.Cmplog), len(applied.Cmpcov))
	}
}

func TestMutationPercentages(t *testing.T) {
	tests := []struct {
		mode        Mode
		runners     int
		explore     int
		exploit     int
		primaryFree bool
	}{
		{ModeMultipleCores, 10, 4, 2, true},
		{ModeMultipleCores, 20, 8, 4, true},
		{ModeCIFuzzing, 20, 10, 6, false},
		{ModeDefault, 1, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.mode, tt.runners), func(t *testing.T) {
			invs := newInvocations(tt.runners)
			NewEngine(zaptest.NewLogger(t), newRNG(42)).Apply(invs, NewStrategyPlan(tt.mode))
			if got := countWithFlag(invs, FlagMutationExplore); got != tt.explore {
				t.Errorf("explore: expected %d, got %d", tt.explore, got)
			}
			if got := countWithFlag(invs, FlagMutationExploit); got != tt.exploit {
				t.Errorf("exploit: expected %d, got %d", tt.exploit, got)
			}
			if tt.primaryFree && countPrefix(&invs[0], "-P ") != 0 {
				t.Error("primary received a mutation mode")
			}
		})
	}
}

func TestOptionalMultipleSmallCampaign(t *testing.T) {
	// a single secondary: both toggles are forced onto it
	invs := newInvocations(2)
	NewEngine(zaptest.NewLogger(t), newRNG(1)).Apply(invs, NewStrategyPlan(ModeDefault))
	if !invs[1].hasExactFlag(FlagDeterministic) || !invs[1].hasExactFlag(FlagQueueCycling) {
		t.Fatalf("expected both toggles on the secondary, got %v", invs[1].Flags)
	}
	if invs[0].hasExactFlag(FlagDeterministic) || invs[0].hasExactFlag(FlagQueueCycling) {
		t.Fatalf("primary received optional toggles: %v", invs[0].Flags)
	}

	// three CI workers: exactly one occurrence each, no independent trials
	invs = newInvocations(3)
	NewEngine(zaptest.NewLogger(t), newRNG(1)).Apply(invs, NewStrategyPlan(ModeCIFuzzing))
	if got := countWithFlag(invs, FlagDeterministic); got != 1 {
		t.Errorf("expected one -L 0, got %d", got)
	}
	if got := countWithFlag(invs, FlagQueueCycling); got != 1 {
		t.Errorf("expected one -Z, got %d", got)
	}
}

func TestOptionalAlwaysOn(t *testing.T) {
	invs := newInvocations(9)
	plan := NewStrategyPlan(ModeDefault)
	plan.Optionals = []Option{{FlagQueueCycling, 1.0}}
	NewEngine(zaptest.NewLogger(t), newRNG(6)).Apply(invs, plan)
	for i := 1; i < len(invs); i++ {
		if countPrefix(&invs[i], FlagQueueCycling) != 1 {
			t.Fatalf("worker %d: expected exactly one -Z, got %v", i, invs[i].Flags)
		}
	}
}

func TestSuppressDeterministic(t *testing.T) {
	for _, n := range []int{2, 5, 12, 30} {
		invs := newInvocations(n)
		plan := NewStrategyPlan(ModeDefault)
		plan.SuppressDeterministic = true
		NewEngine(zaptest.NewLogger(t), newRNG(uint64(n))).Apply(invs, plan)
		if got := countWithFlag(invs, FlagDeterministic); got != 0 {
			t.Fatalf("%d workers: -L 0 applied %d times", n, got)
		}
	}
}

func TestApplyRoles(t *testing.T) {
	invs := newInvocations(10)
	plan := NewStrategyPlan(ModeDefault).WithCmplog(testCmplog, 0.3).WithCmpcov(testCmpcov)
	engine := NewEngine(zaptest.NewLogger(t), newRNG(13))
	applied := engine.Apply(invs, plan)
	engine.ApplyRoles(invs, ModeDefault, testTarget, applied)

	if invs[0].Name() != "m_target" || !invs[0].IsMain() {
		t.Fatalf("unexpected primary name %q", invs[0].Name())
	}
	for i := 1; i < len(invs); i++ {
		var want string
		if _, ok := applied.Cmpcov[i]; ok {
			want = fmt.Sprintf("s%d_target_cmpcov", i)
		} else if _, ok := applied.Cmplog[i]; ok {
			want = fmt.Sprintf("s%d_target_cl", i)
		} else {
			want = fmt.Sprintf("s%d_target", i)
		}
		if invs[i].Name() != want {
			t.Errorf("worker %d: expected %q, got %q", i, want, invs[i].Name())
		}
	}

	ci := newInvocations(3)
	engine.ApplyRoles(ci, ModeCIFuzzing, testTarget, newApplied())
	if ci[0].Name() != "s_target" || ci[0].IsMain() {
		t.Fatalf("unexpected CI primary %q", ci[0].Name())
	}
}

func TestNameStem(t *testing.T) {
	for in, want := range map[string]string{
		"/opt/fuzz/target.bin":  "target",
		"/opt/fuzz/my.lib.fuzz": "my_lib",
		"/opt/fuzz/plain":       "plain",
		"relative/png_read.afl": "png_read",
		"/opt/fuzz/.hidden":     "_hidden",
	} {
		if got := nameStem(in); got != want {
			t.Errorf("nameStem(%q) = %q, want %q", in, got, want)
		}
	}
}

// checkInvariants verifies the properties every generated campaign must hold.
func checkInvariants(t *testing.T, invs []FuzzerInvocation, mode Mode, applied Applied) {
	t.Helper()
	mains := 0
	names := map[string]int{}
	for i := range invs {
		inv := &invs[i]
		for _, group := range []string{"-P ", "-a ", "-l "} {
			if c := countPrefix(inv, group); c > 1 {
				t.Errorf("worker %d has %d values of group %q: %v", i, c, group, inv.Flags)
			}
		}
		if countPrefix(inv, FlagDeterministic) > 1 || countPrefix(inv, FlagQueueCycling) > 1 {
			t.Errorf("worker %d has a duplicated toggle: %v", i, inv.Flags)
		}
		if inv.IsMain() {
			mains++
		}
		if prev, ok := names[inv.Name()]; ok {
			t.Errorf("workers %d and %d share name %q", prev, i, inv.Name())
		}
		names[inv.Name()] = i
	}
	wantMains := 1
	if mode == ModeCIFuzzing {
		wantMains = 0
	}
	if mains != wantMains {
		t.Errorf("expected %d main workers, got %d", wantMains, mains)
	}
	for idx := range applied.Cmpcov {
		if _, ok := applied.Cmplog[idx]; ok {
			t.Errorf("worker %d in both cmplog and cmpcov sets", idx)
		}
	}
}

func TestEngineInvariants(t *testing.T) {
	for _, mode := range []Mode{ModeDefault, ModeMultipleCores, ModeCIFuzzing} {
		for n := 1; n <= 40; n++ {
			for seed := uint64(0); seed < 3; seed++ {
				invs := newInvocations(n)
				plan := NewStrategyPlan(mode).WithCmplog(testCmplog, 0.3).WithCmpcov(testCmpcov)
				engine := NewEngine(zaptest.NewLogger(t), newRNG(seed))
				applied := engine.Apply(invs, plan)
				engine.ApplyRoles(invs, mode, testTarget, applied)

				checkInvariants(t, invs, mode, applied)
				if mode == ModeMultipleCores {
					for i := range invs {
						if invs[i].hasExactFlag(FlagDeterministic) && invs[i].hasExactFlag(FlagQueueCycling) {
							t.Fatalf("%s/%d: worker %d has both exclusive toggles", mode, n, i)
						}
					}
				}
			}
		}
	}
}
