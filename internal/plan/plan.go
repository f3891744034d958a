// Package plan models a goal decomposed into ordered execution phases.
package plan

import (
	"fmt"
	"strings"
)

// PhaseStatus is the completion status of a single phase
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
)

// Phase is one named, ordered unit of a plan. IDs are caller-assigned,
// unique within a plan, and not necessarily contiguous.
type Phase struct {
	ID          int         `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Status      PhaseStatus `json:"status"`
}

// Plan is a goal plus its ordered phases. At most one phase is active at
// any time, and phases never regress from completed.
type Plan struct {
	Goal   string  `json:"goal"`
	Phases []Phase `json:"phases"`
}

// New builds a plan from caller-supplied phases. The first phase is forced
// to active and the rest to pending, unless the caller already marked a
// different phase active.
func New(goal string, phases []Phase) *Plan {
	p := &Plan{Goal: goal, Phases: make([]Phase, len(phases))}
	copy(p.Phases, phases)

	callerActive := -1
	for i := range p.Phases {
		if p.Phases[i].Status == PhaseActive {
			callerActive = i
			break
		}
	}

	for i := range p.Phases {
		switch {
		case callerActive >= 0 && i == callerActive:
			p.Phases[i].Status = PhaseActive
		case callerActive < 0 && i == 0:
			p.Phases[i].Status = PhaseActive
		default:
			p.Phases[i].Status = PhasePending
		}
	}

	return p
}

// Phase returns the phase with the given id, or nil if absent
func (p *Plan) Phase(id int) *Phase {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return &p.Phases[i]
		}
	}
	return nil
}

// Active returns the currently active phase, or nil if none is active
func (p *Plan) Active() *Phase {
	for i := range p.Phases {
		if p.Phases[i].Status == PhaseActive {
			return &p.Phases[i]
		}
	}
	return nil
}

// Advance marks the phase matching currentID completed and the phase
// matching nextID active. A missing phase id on either side is a no-op
// for that side: advancing to an unknown id simply leaves no phase active.
// A completed phase is never resurrected to active.
func (p *Plan) Advance(currentID, nextID int) {
	if cur := p.Phase(currentID); cur != nil {
		cur.Status = PhaseCompleted
	}
	if next := p.Phase(nextID); next != nil && next.Status != PhaseCompleted {
		next.Status = PhaseActive
	}
}

// Render produces a human-readable view of the plan for the system prompt.
// The phase matching currentID is marked as the current phase.
func (p *Plan) Render(currentID int) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Goal: %s\n\nPhases:\n", p.Goal))
	for _, ph := range p.Phases {
		marker := " "
		if ph.ID == currentID {
			marker = ">"
		}
		sb.WriteString(fmt.Sprintf("%s [%s] %d. %s", marker, ph.Status, ph.ID, ph.Title))
		if ph.Description != "" {
			sb.WriteString(": " + ph.Description)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
