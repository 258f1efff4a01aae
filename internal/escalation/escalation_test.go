package escalation

import "testing"

func TestEvaluateDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name    string
		counts  Counts
		trigger Trigger
		want    Decision
	}{
		{"first tab switch warns", Counts{TabSwitch: 1}, TabSwitch, Decision{Level: 1, Remaining: 2}},
		{"second tab switch warns", Counts{TabSwitch: 2}, TabSwitch, Decision{Level: 2, Remaining: 1}},
		{"third tab switch forces", Counts{TabSwitch: 3}, TabSwitch, Decision{Level: 3, Remaining: 0, Flag: true, ForceSubmit: true}},
		{"first fullscreen exit", Counts{FullscreenExit: 1}, FullscreenExit, Decision{Level: 1, Remaining: -1}},
		{"second fullscreen exit flags", Counts{FullscreenExit: 2}, FullscreenExit, Decision{Level: 2, Remaining: -1, Flag: true}},
		{"fullscreen exits never force", Counts{FullscreenExit: 9}, FullscreenExit, Decision{Level: 9, Remaining: -1, Flag: true}},
		{"mixed counters do not combine", Counts{TabSwitch: 2, FullscreenExit: 1}, TabSwitch, Decision{Level: 2, Remaining: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Evaluate(tt.counts, tt.trigger); got != tt.want {
				t.Fatalf("Evaluate(%+v, %s) = %+v, want %+v", tt.counts, tt.trigger, got, tt.want)
			}
		})
	}
}

func TestEvaluateCombinedLimit(t *testing.T) {
	p := Policy{Combined: Limits{FlagAt: 2, SubmitAt: 3}}

	d := p.Evaluate(Counts{TabSwitch: 1, FullscreenExit: 1}, FullscreenExit)
	if !d.Flag || d.ForceSubmit || d.Remaining != 1 {
		t.Fatalf("two mixed events: got %+v", d)
	}

	d = p.Evaluate(Counts{TabSwitch: 1, FullscreenExit: 2}, TabSwitch)
	if !d.ForceSubmit || !d.Flag || d.Remaining != 0 {
		t.Fatalf("three mixed events: got %+v", d)
	}
}

func TestEvaluateIsOrderIndependent(t *testing.T) {
	p := Policy{
		TabSwitch:      Limits{FlagAt: 2, SubmitAt: 4},
		FullscreenExit: Limits{FlagAt: 1, SubmitAt: 3},
		Combined:       Limits{SubmitAt: 5},
	}
	sequences := [][]Trigger{
		{TabSwitch, FullscreenExit, TabSwitch, FullscreenExit},
		{FullscreenExit, FullscreenExit, TabSwitch, TabSwitch},
		{TabSwitch, TabSwitch, FullscreenExit, FullscreenExit},
	}

	var want *Decision
	for _, seq := range sequences {
		var c Counts
		for _, tr := range seq {
			c = c.Increment(tr)
		}
		got := p.Evaluate(c, TabSwitch)
		if want == nil {
			want = &got
			continue
		}
		if got != *want {
			t.Fatalf("sequence %v: got %+v, want %+v", seq, got, *want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy: %v", err)
	}
	if err := (Policy{Combined: Limits{SubmitAt: -1}}).Validate(); err == nil {
		t.Fatal("expected error for negative limit")
	}
}
