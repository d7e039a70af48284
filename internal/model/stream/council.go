package stream

import "fmt"

// Stage is the phase of a council deliberation.
type Stage string

const (
	StageOpinions  Stage = "opinions"
	StageReview    Stage = "review"
	StageSynthesis Stage = "synthesis"
)

// MemberStatus is the progress of a single council member.
type MemberStatus string

const (
	MemberThinking MemberStatus = "thinking"
	MemberComplete MemberStatus = "complete"
	MemberError    MemberStatus = "error"
)

// CouncilMember is one participant of the deliberation.
type CouncilMember struct {
	ID      string       `json:"id"`
	Opinion string       `json:"opinion"`
	Score   float64      `json:"score"`
	Status  MemberStatus `json:"status"`
}

// CouncilUpdate is the latest known snapshot of a deliberation. A newer
// update replaces an older one entirely.
type CouncilUpdate struct {
	Stage   Stage           `json:"stage"`
	Members []CouncilMember `json:"members"`
	Dissent *bool           `json:"dissent,omitempty"`
}

// Clone deep-copies the snapshot so readers cannot alias dispatcher state.
func (u CouncilUpdate) Clone() CouncilUpdate {
	out := CouncilUpdate{Stage: u.Stage}
	if u.Members != nil {
		out.Members = append([]CouncilMember(nil), u.Members...)
	}
	if u.Dissent != nil {
		dissent := *u.Dissent
		out.Dissent = &dissent
	}
	return out
}

// HasDissent reports dissent only where the stage gives it meaning.
func (u CouncilUpdate) HasDissent() bool {
	return u.Dissent != nil && *u.Dissent && u.Stage.allowsDissent()
}

func (s Stage) allowsDissent() bool {
	return s == StageReview || s == StageSynthesis
}

func (s Stage) valid() bool {
	switch s {
	case StageOpinions, StageReview, StageSynthesis:
		return true
	}
	return false
}

func (s MemberStatus) valid() bool {
	switch s {
	case MemberThinking, MemberComplete, MemberError:
		return true
	}
	return false
}

// normalize validates the snapshot and drops a dissent flag the stage does not support.
func (u *CouncilUpdate) normalize() error {
	if !u.Stage.valid() {
		return fmt.Errorf("unknown council stage %q", u.Stage)
	}
	for i, member := range u.Members {
		if member.ID == "" {
			return fmt.Errorf("council member %d has no id", i)
		}
		if !member.Status.valid() {
			return fmt.Errorf("council member %s has unknown status %q", member.ID, member.Status)
		}
	}
	if u.Dissent != nil && !u.Stage.allowsDissent() {
		u.Dissent = nil
	}
	return nil
}
