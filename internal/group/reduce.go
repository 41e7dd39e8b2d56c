package group

import (
	"sort"

	"github.com/daenny/climate-group/internal/climate"
)

// State is the synthesized snapshot a group publishes. Mode is nil when no
// member reports one; attribute fields are nil when absent from all members.
type State struct {
	Mode         *climate.Mode
	Attrs        climate.Attributes
	Available    bool
	AssumedState bool
}

// Options adjust one reduction pass.
type Options struct {
	// Excluded lists preset modes whose members sit out the reduction.
	Excluded map[string]struct{}
	// SkipCurrentTemperature is set when an external sensor overrides the
	// group's current temperature, so member readings are not averaged.
	SkipCurrentTemperature bool
}

// Active-value priority for frequency tie-breaking. Off and idle never win
// over an active value: a single running unit is operationally significant
// even when the majority is idle.
var (
	modePriority   = []climate.Mode{climate.ModeHeat, climate.ModeCool, climate.ModeHeatCool, climate.ModeAuto, climate.ModeDry, climate.ModeFanOnly}
	actionPriority = []climate.Action{climate.ActionHeating, climate.ActionCooling, climate.ActionDrying, climate.ActionFan}
)

// Reduce collapses member snapshots into one group state. It is a pure
// function: identical input always yields an identical State.
//
// Numeric and categorical attributes reduce over the exclusion-filtered
// participants; capability sets, temperature limits and the feature bitmap
// reduce over every collected member, since the group advertises what any
// member could do, not what the active subset is doing.
func Reduce(members []climate.MemberState, opts Options) State {
	var st State
	if len(members) == 0 {
		return st
	}

	participants := filterParticipants(members, opts.Excluded)

	st.Mode = reduceMode(participants)
	st.Attrs.HVACAction = reduceAction(participants)

	if !opts.SkipCurrentTemperature {
		st.Attrs.CurrentTemperature = meanOf(collect(participants, func(a climate.Attributes) *float64 { return a.CurrentTemperature }))
	}
	st.Attrs.Temperature = meanOf(collect(participants, func(a climate.Attributes) *float64 { return a.Temperature }))
	st.Attrs.TargetTempLow = meanOf(collect(participants, func(a climate.Attributes) *float64 { return a.TargetTempLow }))
	st.Attrs.TargetTempHigh = meanOf(collect(participants, func(a climate.Attributes) *float64 { return a.TargetTempHigh }))
	st.Attrs.TargetTempStep = meanOf(collect(participants, func(a climate.Attributes) *float64 { return a.TargetTempStep }))

	// The group's floor is the most restrictive member floor, its ceiling
	// the most restrictive member ceiling.
	st.Attrs.MinTemp = maxOf(collect(members, func(a climate.Attributes) *float64 { return a.MinTemp }))
	st.Attrs.MaxTemp = minOf(collect(members, func(a climate.Attributes) *float64 { return a.MaxTemp }))

	st.Attrs.FanMode = mostCommon(collectStrings(participants, func(a climate.Attributes) *string { return a.FanMode }))
	st.Attrs.SwingMode = mostCommon(collectStrings(participants, func(a climate.Attributes) *string { return a.SwingMode }))
	st.Attrs.PresetMode = mostCommon(collectStrings(participants, func(a climate.Attributes) *string { return a.PresetMode }))

	st.Attrs.HVACModes = unionModes(members)
	st.Attrs.FanModes = unionStrings(members, func(a climate.Attributes) []string { return a.FanModes })
	st.Attrs.SwingModes = unionStrings(members, func(a climate.Attributes) []string { return a.SwingModes })
	st.Attrs.PresetModes = unionStrings(members, func(a climate.Attributes) []string { return a.PresetModes })

	st.Attrs.SupportedFeatures = reduceFeatures(members)

	for _, m := range members {
		if m.Available() {
			st.Available = true
			break
		}
	}
	st.AssumedState = !allAlike(members)

	return st
}

// filterParticipants drops members whose preset mode is excluded. If that
// would drop every member the filter is ignored for this pass: exclusion
// exists to skip transiently-irrelevant members, never to blind the group.
func filterParticipants(members []climate.MemberState, excluded map[string]struct{}) []climate.MemberState {
	if len(excluded) == 0 {
		return members
	}

	kept := make([]climate.MemberState, 0, len(members))
	for _, m := range members {
		if m.Attrs.PresetMode != nil {
			if _, skip := excluded[*m.Attrs.PresetMode]; skip {
				continue
			}
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return members
	}
	return kept
}

// reduceMode picks the most frequent active mode; ties break by the fixed
// priority order. Off is reported only when no member is set to anything else.
func reduceMode(members []climate.MemberState) *climate.Mode {
	counts := make(map[climate.Mode]int)
	sawOff := false
	for _, m := range members {
		mode, ok := m.Mode()
		if !ok {
			continue
		}
		if mode == climate.ModeOff {
			sawOff = true
			continue
		}
		counts[mode]++
	}

	var best climate.Mode
	bestCount := 0
	for _, mode := range modePriority {
		if counts[mode] > bestCount {
			best, bestCount = mode, counts[mode]
		}
	}
	if bestCount > 0 {
		return &best
	}
	if sawOff {
		off := climate.ModeOff
		return &off
	}
	return nil
}

// reduceAction picks the most frequent active action; ties break by the
// fixed priority order. Idle beats off as the fallback.
func reduceAction(members []climate.MemberState) *climate.Action {
	counts := make(map[climate.Action]int)
	sawIdle, sawOff := false, false
	for _, m := range members {
		if m.Attrs.HVACAction == nil {
			continue
		}
		switch a := *m.Attrs.HVACAction; a {
		case climate.ActionIdle:
			sawIdle = true
		case climate.ActionOff:
			sawOff = true
		default:
			counts[a]++
		}
	}

	var best climate.Action
	bestCount := 0
	for _, action := range actionPriority {
		if counts[action] > bestCount {
			best, bestCount = action, counts[action]
		}
	}
	if bestCount > 0 {
		return &best
	}
	if sawIdle {
		idle := climate.ActionIdle
		return &idle
	}
	if sawOff {
		off := climate.ActionOff
		return &off
	}
	return nil
}

func collect(members []climate.MemberState, get func(climate.Attributes) *float64) []float64 {
	var vals []float64
	for _, m := range members {
		if v := get(m.Attrs); v != nil {
			vals = append(vals, *v)
		}
	}
	return vals
}

func collectStrings(members []climate.MemberState, get func(climate.Attributes) *string) []string {
	var vals []string
	for _, m := range members {
		if v := get(m.Attrs); v != nil {
			vals = append(vals, *v)
		}
	}
	return vals
}

// meanOf reduces collected values by arithmetic mean. A single value passes
// through verbatim.
func meanOf(vals []float64) *float64 {
	switch len(vals) {
	case 0:
		return nil
	case 1:
		return &vals[0]
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	return &mean
}

func maxOf(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	best := vals[0]
	for _, v := range vals[1:] {
		if v > best {
			best = v
		}
	}
	return &best
}

func minOf(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	best := vals[0]
	for _, v := range vals[1:] {
		if v < best {
			best = v
		}
	}
	return &best
}

// mostCommon returns the most frequent value; frequency ties break by first
// appearance in input order, which follows the configured member order.
func mostCommon(vals []string) *string {
	if len(vals) == 0 {
		return nil
	}
	counts := make(map[string]int, len(vals))
	for _, v := range vals {
		counts[v]++
	}
	var best string
	bestCount := 0
	for _, v := range vals {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return &best
}

// unionModes merges capability mode lists, ordered canonically with any
// unrecognized modes appended alphabetically.
func unionModes(members []climate.MemberState) []climate.Mode {
	seen := make(map[climate.Mode]struct{})
	for _, m := range members {
		for _, mode := range m.Attrs.HVACModes {
			seen[mode] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}

	out := make([]climate.Mode, 0, len(seen))
	for _, mode := range climate.Modes {
		if _, ok := seen[mode]; ok {
			out = append(out, mode)
			delete(seen, mode)
		}
	}
	if len(seen) > 0 {
		rest := make([]string, 0, len(seen))
		for mode := range seen {
			rest = append(rest, string(mode))
		}
		sort.Strings(rest)
		for _, mode := range rest {
			out = append(out, climate.Mode(mode))
		}
	}
	return out
}

// unionStrings merges capability lists, sorted for deterministic publishing.
func unionStrings(members []climate.MemberState, get func(climate.Attributes) []string) []string {
	seen := make(map[string]struct{})
	for _, m := range members {
		for _, v := range get(m.Attrs) {
			seen[v] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// reduceFeatures ORs member bitmaps, then masks to the capabilities the
// group knows how to forward.
func reduceFeatures(members []climate.MemberState) *climate.Features {
	var acc climate.Features
	reported := false
	for _, m := range members {
		if m.Attrs.SupportedFeatures != nil {
			acc |= *m.Attrs.SupportedFeatures
			reported = true
		}
	}
	if !reported {
		return nil
	}
	masked := acc & climate.GroupFeatureMask
	return &masked
}

// allAlike reports whether every member snapshot carries the same status and
// attributes. Entity ids are ignored: two members in identical state agree.
func allAlike(members []climate.MemberState) bool {
	if len(members) == 0 {
		return true
	}
	for _, m := range members[1:] {
		if m.Status != members[0].Status || !m.Attrs.Equal(members[0].Attrs) {
			return false
		}
	}
	return true
}
