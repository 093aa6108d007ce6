// Package progress holds the pure math of the hierarchy: turning raw day
// weights into sibling percentages, folding percentages and child progress
// into a parent value, and deriving project status from that value.
package progress

import (
	"fmt"
	"math"

	"stageline/internal/domain"
)

// Epsilon absorbs floating error when comparing against the 0 and 1 bounds.
const Epsilon = 1e-9

// DegenerateWeightError is returned when a multi-member group cannot be
// normalized because its weights sum to zero (or a weight is negative).
type DegenerateWeightError struct {
	Weights []int
}

func (e *DegenerateWeightError) Error() string {
	return fmt.Sprintf("cannot normalize weights %v: total must be positive", e.Weights)
}

// Normalize converts raw weights into shares summing to 1.
// A single-member group always gets 1, whatever its weight.
func Normalize(weights []int) ([]float64, error) {
	switch len(weights) {
	case 0:
		return []float64{}, nil
	case 1:
		return []float64{1}, nil
	}
	total := 0
	for _, w := range weights {
		if w < 0 {
			return nil, &DegenerateWeightError{Weights: append([]int(nil), weights...)}
		}
		total += w
	}
	if total == 0 {
		return nil, &DegenerateWeightError{Weights: append([]int(nil), weights...)}
	}
	out := make([]float64, len(weights))
	for i, w := range weights {
		out[i] = float64(w) / float64(total)
	}
	return out, nil
}

// Part is one child's contribution to its parent.
type Part struct {
	Percent  float64
	Progress float64
}

// Aggregate folds children into the parent progress, clamped to [0,1].
func Aggregate(parts []Part) float64 {
	sum := 0.0
	for _, p := range parts {
		sum += p.Percent * p.Progress
	}
	return Clamp(sum)
}

// Clamp bounds v to [0,1] and snaps values within Epsilon of either bound.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= Epsilon:
		return 0
	case v >= 1-Epsilon:
		return 1
	}
	return v
}

// TaskProgress is 1 for a Done task and 0 otherwise.
func TaskProgress(status domain.TaskStatus) float64 {
	if status == domain.TaskDone {
		return 1
	}
	return 0
}

// DeriveStatus maps aggregate progress to the project lifecycle status.
func DeriveStatus(p float64) domain.ProjectStatus {
	if Clamp(p) == 1 {
		return domain.ProjectCompleted
	}
	return domain.ProjectProcessing
}

// StatusChange describes what DeriveStatus did to a previous status.
type StatusChange int

const (
	StatusUnchanged StatusChange = iota
	StatusCompleted
	StatusReopened
)

// Transition derives the new status and classifies the move from prev.
func Transition(prev domain.ProjectStatus, p float64) (domain.ProjectStatus, StatusChange) {
	next := DeriveStatus(p)
	switch {
	case next == prev, prev == "" && next == domain.ProjectProcessing:
		return next, StatusUnchanged
	case next == domain.ProjectCompleted:
		return next, StatusCompleted
	default:
		return next, StatusReopened
	}
}
