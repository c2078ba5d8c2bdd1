package reminders

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/wolfman30/clinic-reminders/internal/jobs"
)

// Channel is the contact strategy for a round.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
)

// Kind maps the channel to its job kind.
func (c Channel) Kind() jobs.Kind {
	if c == ChannelVoice {
		return jobs.KindVoiceReminder
	}
	return jobs.KindChatReminder
}

// Round identifies one scheduling pass. Manual rounds are operator-triggered
// runs that use the chat lead time.
type Round struct {
	Channel  Channel `json:"channel"`
	LeadDays int     `json:"lead_days"`
	Manual   bool    `json:"manual,omitempty"`
}

// Label names the round in group keys and job envelopes.
func (r Round) Label() string {
	if r.Manual {
		return "manual"
	}
	return "d" + strconv.Itoa(r.LeadDays)
}

// Context is the audit note phrase for the round.
func (r Round) Context() string {
	switch {
	case r.Manual:
		return "manual run"
	case r.LeadDays == 0:
		return "same day"
	case r.LeadDays == 1:
		return "1 day before"
	default:
		return fmt.Sprintf("%d days before", r.LeadDays)
	}
}

// Group is every ticket one recipient has on one date in one round.
type Group struct {
	Key      string   `json:"key"`
	Identity Identity `json:"identity"`
	Date     string   `json:"date"`
	Round    Round    `json:"round"`
	Members  []Member `json:"members"`
}

// TicketIDs lists the group's tickets in member order.
func (g Group) TicketIDs() []int64 {
	ids := make([]int64, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.Ticket.ID)
	}
	return ids
}

// GroupKey is the identity of a group: recipient, date and round.
func GroupKey(id Identity, date string, round Round) string {
	return id.Key() + "|" + date + "|" + round.Label()
}

// Unresolved is a member left out of a round because no recipient was found.
type Unresolved struct {
	Member Member
	Err    error
}

// BuildGroups partitions members by (recipient, date). Groups come out in
// order of first appearance and members within a group by appointment start.
// Members without a resolvable identity are returned separately and stay
// pending for the next round.
func BuildGroups(ctx context.Context, members []Member, resolver Resolver, round Round) ([]Group, []Unresolved) {
	index := make(map[string]int)
	var (
		groups     []Group
		unresolved []Unresolved
	)
	for _, m := range members {
		id, ok, err := resolver.Resolve(ctx, m)
		if !ok {
			unresolved = append(unresolved, Unresolved{Member: m, Err: err})
			continue
		}
		date := m.Ticket.AppointmentDate
		if date == "" {
			date = m.Appointment.Date()
		}
		key := GroupKey(id, date, round)
		i, seen := index[key]
		if !seen {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key, Identity: id, Date: date, Round: round})
		}
		groups[i].Members = append(groups[i].Members, m)
	}
	for i := range groups {
		sortMembers(groups[i].Members)
	}
	return groups, unresolved
}

func sortMembers(ms []Member) {
	sort.SliceStable(ms, func(a, b int) bool {
		sa, sb := ms[a].Appointment.Start, ms[b].Appointment.Start
		if !sa.Equal(sb) {
			return sa.Before(sb)
		}
		return ms[a].Ticket.ID < ms[b].Ticket.ID
	})
}
