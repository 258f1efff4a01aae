// Package escalation maps cumulative integrity counters to warnings, flags
// and forced submission. It is shared by the server and the client monitor so
// both sides reach the same decision for the same counts.
package escalation

import "fmt"

// Trigger identifies the counter an integrity event increments.
type Trigger string

const (
	TabSwitch      Trigger = "tab_switch"
	FullscreenExit Trigger = "fullscreen_exit"
)

// Limits configures one counter. A zero value disables that threshold.
type Limits struct {
	FlagAt   int `json:"flag_at"`
	SubmitAt int `json:"submit_at"`
}

func (l Limits) flags(n int) bool   { return l.FlagAt > 0 && n >= l.FlagAt }
func (l Limits) submits(n int) bool { return l.SubmitAt > 0 && n >= l.SubmitAt }

// Policy holds the limits for every counter plus the combined total.
type Policy struct {
	TabSwitch      Limits `json:"tab_switch"`
	FullscreenExit Limits `json:"fullscreen_exit"`
	Combined       Limits `json:"combined"`
}

// DefaultPolicy warns on the first two tab switches and force-submits on the
// third. Two full-screen exits flag the attempt without submitting it.
func DefaultPolicy() Policy {
	return Policy{
		TabSwitch:      Limits{FlagAt: 3, SubmitAt: 3},
		FullscreenExit: Limits{FlagAt: 2},
	}
}

// Validate rejects negative limits.
func (p Policy) Validate() error {
	for name, l := range map[string]Limits{
		"tab_switch":      p.TabSwitch,
		"fullscreen_exit": p.FullscreenExit,
		"combined":        p.Combined,
	} {
		if l.FlagAt < 0 || l.SubmitAt < 0 {
			return fmt.Errorf("escalation %s: limits must not be negative", name)
		}
	}
	return nil
}

// Counts are the cumulative counters of an attempt.
type Counts struct {
	TabSwitch      int `json:"tab_switch_count"`
	FullscreenExit int `json:"fullscreen_exit_count"`
}

// Total sums both counters.
func (c Counts) Total() int { return c.TabSwitch + c.FullscreenExit }

// Of returns the counter a trigger increments.
func (c Counts) Of(t Trigger) int {
	if t == FullscreenExit {
		return c.FullscreenExit
	}
	return c.TabSwitch
}

// Increment returns c with the trigger's counter advanced by one.
func (c Counts) Increment(t Trigger) Counts {
	switch t {
	case TabSwitch:
		c.TabSwitch++
	case FullscreenExit:
		c.FullscreenExit++
	}
	return c
}

// Decision is the outcome of evaluating the policy after an event.
type Decision struct {
	// Level is the value of the counter that the event incremented.
	Level int `json:"warning_level"`
	// Remaining counts events left before forced submission, -1 when no
	// submit limit applies to the trigger.
	Remaining   int  `json:"warnings_remaining"`
	Flag        bool `json:"flag"`
	ForceSubmit bool `json:"force_submit"`
}

// Evaluate decides what the counts imply after an event of the given trigger.
// It depends only on the counts, so restoring counters reproduces it exactly.
func (p Policy) Evaluate(c Counts, t Trigger) Decision {
	total := c.Total()

	d := Decision{Level: c.Of(t), Remaining: -1}
	d.ForceSubmit = p.TabSwitch.submits(c.TabSwitch) ||
		p.FullscreenExit.submits(c.FullscreenExit) ||
		p.Combined.submits(total)
	d.Flag = d.ForceSubmit ||
		p.TabSwitch.flags(c.TabSwitch) ||
		p.FullscreenExit.flags(c.FullscreenExit) ||
		p.Combined.flags(total)

	own := p.TabSwitch
	if t == FullscreenExit {
		own = p.FullscreenExit
	}
	if own.SubmitAt > 0 {
		d.Remaining = remaining(own.SubmitAt, c.Of(t))
	}
	if p.Combined.SubmitAt > 0 {
		r := remaining(p.Combined.SubmitAt, total)
		if d.Remaining < 0 || r < d.Remaining {
			d.Remaining = r
		}
	}
	return d
}

func remaining(limit, n int) int {
	if n >= limit {
		return 0
	}
	return limit - n
}
