package domain

import "sort"

// Group holds a membership set keyed by user ID. Membership mutations
// are idempotent: adding a present member or removing an absent one is
// a no-op.
type Group struct {
	Name    string
	members map[string]*User
}

func NewGroup(name string) *Group {
	return &Group{
		Name:    name,
		members: make(map[string]*User),
	}
}

func (g *Group) AddMember(user *User) {
	g.members[user.ID] = user
}

func (g *Group) RemoveMember(userID string) {
	delete(g.members, userID)
}

func (g *Group) Member(userID string) (*User, bool) {
	user, ok := g.members[userID]
	return user, ok
}

func (g *Group) Size() int {
	return len(g.members)
}

// MemberIDs returns the membership in a stable order, suitable for
// snapshots.
func (g *Group) MemberIDs() []string {
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
