// Package statemachine holds the static transition graphs of tickets, packages
// and trips. Lookups are pure: no I/O and no shared mutable state.
package statemachine

import (
	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
)

// Graph maps every known state of one entity kind to the states reachable
// from it in a single move. Terminal states map to an empty set.
type Graph[S ~string] struct {
	entity string
	order  []S
	edges  map[S]map[S]struct{}
}

func newGraph[S ~string](entity string, order []S, edges map[S][]S) Graph[S] {
	g := Graph[S]{entity: entity, order: order, edges: make(map[S]map[S]struct{}, len(order))}
	for _, from := range order {
		next := make(map[S]struct{}, len(edges[from]))
		for _, to := range edges[from] {
			next[to] = struct{}{}
		}
		g.edges[from] = next
	}
	return g
}

func (g Graph[S]) Entity() string { return g.entity }

// Has reports whether s is a node of the graph.
func (g Graph[S]) Has(s S) bool {
	_, ok := g.edges[s]
	return ok
}

// States returns all nodes in declaration order.
func (g Graph[S]) States() []S {
	return append([]S(nil), g.order...)
}

// AllowedNext returns the states reachable from current, in declaration order.
// Unknown and terminal states both yield an empty slice.
func (g Graph[S]) AllowedNext(current S) []S {
	next := g.edges[current]
	out := make([]S, 0, len(next))
	for _, s := range g.order {
		if _, ok := next[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (g Graph[S]) CanTransition(current, target S) bool {
	_, ok := g.edges[current][target]
	return ok
}

// Validate returns nil when current -> target is an edge. An unrecognized
// target is a ValidationError; any other miss is an InvalidTransitionError
// carrying the allowed set.
func (g Graph[S]) Validate(current, target S) error {
	if !g.Has(target) {
		return domain.ValidationError{Field: "state", Msg: "unknown " + g.entity + " state " + string(target)}
	}
	if g.CanTransition(current, target) {
		return nil
	}
	allowed := g.AllowedNext(current)
	names := make([]string, 0, len(allowed))
	for _, s := range allowed {
		names = append(names, string(s))
	}
	return domain.InvalidTransitionError{
		Entity:  g.entity,
		Current: string(current),
		Target:  string(target),
		Allowed: names,
	}
}

// Parse converts raw into a state of the graph.
func (g Graph[S]) Parse(raw string) (S, error) {
	s := S(raw)
	if !g.Has(s) {
		return "", domain.ValidationError{Field: "state", Msg: "unknown " + g.entity + " state " + raw}
	}
	return s, nil
}

var Ticket = newGraph("ticket",
	[]models.TicketState{
		models.TicketStatePending,
		models.TicketStateConfirmed,
		models.TicketStateCancelled,
		models.TicketStateCompleted,
	},
	map[models.TicketState][]models.TicketState{
		models.TicketStatePending:   {models.TicketStateConfirmed, models.TicketStateCancelled},
		models.TicketStateConfirmed: {models.TicketStateCompleted, models.TicketStateCancelled},
	},
)

var Package = newGraph("package",
	[]models.PackageStatus{
		models.PackageStatusRegisteredAtOffice,
		models.PackageStatusAssignedToTrip,
		models.PackageStatusInTransit,
		models.PackageStatusArrivedAtDestination,
		models.PackageStatusDelivered,
	},
	map[models.PackageStatus][]models.PackageStatus{
		models.PackageStatusRegisteredAtOffice:   {models.PackageStatusAssignedToTrip},
		models.PackageStatusAssignedToTrip:       {models.PackageStatusInTransit, models.PackageStatusRegisteredAtOffice},
		models.PackageStatusInTransit:            {models.PackageStatusArrivedAtDestination},
		models.PackageStatusArrivedAtDestination: {models.PackageStatusDelivered},
	},
)

var Trip = newGraph("trip",
	[]models.TripStatus{
		models.TripStatusScheduled,
		models.TripStatusBoarding,
		models.TripStatusDeparted,
		models.TripStatusArrived,
		models.TripStatusCancelled,
		models.TripStatusDelayed,
	},
	map[models.TripStatus][]models.TripStatus{
		models.TripStatusScheduled: {models.TripStatusBoarding, models.TripStatusCancelled, models.TripStatusDelayed},
		models.TripStatusBoarding:  {models.TripStatusDeparted, models.TripStatusCancelled, models.TripStatusDelayed},
		models.TripStatusDeparted:  {models.TripStatusArrived},
		models.TripStatusDelayed:   {models.TripStatusBoarding, models.TripStatusCancelled},
	},
)

// legacyPackageStatuses maps statuses of the older package flow onto the
// canonical graph. An empty value means the legacy status has no equivalent.
var legacyPackageStatuses = map[string]models.PackageStatus{
	"registered": models.PackageStatusRegisteredAtOffice,
	"cancelled":  "",
	"lost":       "",
}

// ParsePackageStatus accepts canonical statuses and the legacy "registered"
// alias. Legacy terminal statuses are rejected.
func ParsePackageStatus(raw string) (models.PackageStatus, error) {
	if s, ok := legacyPackageStatuses[raw]; ok {
		if s == "" {
			return "", domain.ValidationError{Field: "status", Msg: "legacy package status " + raw + " is not supported"}
		}
		return s, nil
	}
	return Package.Parse(raw)
}

// AllowedNext is the kind-dispatched lookup used where the subject type is
// only known at runtime.
func AllowedNext(kind models.SubjectType, current string) ([]string, error) {
	switch kind {
	case models.SubjectTicket:
		return names(Ticket.AllowedNext(models.TicketState(current))), nil
	case models.SubjectPackage:
		return names(Package.AllowedNext(models.PackageStatus(current))), nil
	case models.SubjectTrip:
		return names(Trip.AllowedNext(models.TripStatus(current))), nil
	}
	return nil, domain.ValidationError{Field: "subject_type", Msg: "unknown subject type " + string(kind)}
}

// Validate is the kind-dispatched counterpart of Graph.Validate.
func Validate(kind models.SubjectType, current, target string) error {
	switch kind {
	case models.SubjectTicket:
		return Ticket.Validate(models.TicketState(current), models.TicketState(target))
	case models.SubjectPackage:
		return Package.Validate(models.PackageStatus(current), models.PackageStatus(target))
	case models.SubjectTrip:
		return Trip.Validate(models.TripStatus(current), models.TripStatus(target))
	}
	return domain.ValidationError{Field: "subject_type", Msg: "unknown subject type " + string(kind)}
}

func names[S ~string](states []S) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}
