// Package appservice holds the application-service registration
// table: namespace-matched bridges that receive a copy of every PDU
// touching a room, user, or alias they claim.
package appservice

import "regexp"

// Namespace is one exclusive or non-exclusive regex claim over room
// ids, user ids, or aliases, per the Matrix appservice registration
// format.
type Namespace struct {
	Regexp    *regexp.Regexp
	Exclusive bool
}

// Registration is one application service's push target and claims.
type Registration struct {
	ID        string
	PushURL   string
	Users     []Namespace
	Aliases   []Namespace
	Rooms     []Namespace
}

// Registry holds every registered application service for this
// server. It is populated at startup from configuration and read
// concurrently by the append pipeline and the outbound dispatcher.
type Registry struct {
	registrations []Registration
}

// NewRegistry builds a Registry from a fixed set of registrations.
func NewRegistry(regs []Registration) *Registry {
	return &Registry{registrations: regs}
}

// Matching returns the ids of every registered appservice that claims
// roomID, any of targetUserIDs (state_key of membership changes, or
// the sender), or any of aliases, per spec §4.4 step 9.
func (r *Registry) Matching(roomID string, targetUserIDs, aliases []string) []string {
	var ids []string
	for _, reg := range r.registrations {
		if matchAny(reg.Rooms, roomID) || matchAnyList(reg.Users, targetUserIDs) || matchAnyList(reg.Aliases, aliases) {
			ids = append(ids, reg.ID)
		}
	}
	return ids
}

// Lookup returns the registration for id, if any.
func (r *Registry) Lookup(id string) (Registration, bool) {
	for _, reg := range r.registrations {
		if reg.ID == id {
			return reg, true
		}
	}
	return Registration{}, false
}

func matchAny(namespaces []Namespace, value string) bool {
	for _, ns := range namespaces {
		if ns.Regexp != nil && ns.Regexp.MatchString(value) {
			return true
		}
	}
	return false
}

func matchAnyList(namespaces []Namespace, values []string) bool {
	for _, v := range values {
		if matchAny(namespaces, v) {
			return true
		}
	}
	return false
}
