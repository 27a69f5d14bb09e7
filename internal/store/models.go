package store

import "time"

type MemberStatus string

const (
	MemberPending   MemberStatus = "pending"
	MemberActive    MemberStatus = "active"
	MemberSuspended MemberStatus = "suspended"
)

type Member struct {
	ID        string       `json:"id"`
	Email     string       `json:"email"`
	Role      string       `json:"role"`
	InvitedAt time.Time    `json:"invitedAt"`
	JoinedAt  *time.Time   `json:"joinedAt,omitempty"`
	Status    MemberStatus `json:"status"`
}

type TeamSettings struct {
	AllowMemberInvites bool   `json:"allowMemberInvites"`
	MaxMembers         int    `json:"maxMembers"`
	BillingEmail       string `json:"billingEmail,omitempty"`
}

type Team struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	OwnerID   string       `json:"ownerId"`
	Members   []Member     `json:"members"`
	Settings  TeamSettings `json:"settings"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (t Team) Clone() Team {
	out := t
	out.Members = make([]Member, len(t.Members))
	for i, m := range t.Members {
		if m.JoinedAt != nil {
			joined := *m.JoinedAt
			m.JoinedAt = &joined
		}
		out.Members[i] = m
	}
	return out
}

type ChangeSummary struct {
	Files    []string `json:"files"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// VersionRecord is one entry of a project's append-only history. Snapshot
// maps file paths to their full content.
type VersionRecord struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"projectId"`
	Version     int               `json:"version"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Changes     ChangeSummary     `json:"changes"`
	CreatedBy   string            `json:"createdBy"`
	CreatedAt   time.Time         `json:"createdAt"`
	Snapshot    map[string]string `json:"snapshot,omitempty"`
}

func (v VersionRecord) Clone() VersionRecord {
	out := v
	out.Changes = ChangeSummary{
		Files:    cloneStrings(v.Changes.Files),
		Added:    cloneStrings(v.Changes.Added),
		Modified: cloneStrings(v.Changes.Modified),
		Deleted:  cloneStrings(v.Changes.Deleted),
	}
	if v.Snapshot != nil {
		out.Snapshot = make(map[string]string, len(v.Snapshot))
		for path, content := range v.Snapshot {
			out.Snapshot[path] = content
		}
	}
	return out
}

// CommitInfo describes a commit in a project's snapshot archive.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Tags      []string  `json:"tags,omitempty"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
