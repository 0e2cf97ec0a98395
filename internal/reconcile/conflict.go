package reconcile

import "taskhub/api/internal/occ"

// ConflictPrompt is what the UI needs to let the user choose between merging
// into the fresh state and overwriting it. OverwriteVersion is the version a
// resubmitted mutation must carry to succeed; zero when the entity is gone.
type ConflictPrompt struct {
	Resource         occ.Identity
	Deleted          bool
	Latest           *occ.Latest
	OverwriteVersion int64
}

// PromptFor shapes a conflict envelope into a merge-or-overwrite decision.
// The envelope already carries the fresh snapshot, so no extra fetch is
// needed before presenting the choice.
func PromptFor(c *occ.Conflict) ConflictPrompt {
	p := ConflictPrompt{Resource: c.Identity, Deleted: c.Deleted, Latest: c.Latest}
	if !c.Deleted && c.Latest != nil {
		p.OverwriteVersion = c.Latest.Version()
	}
	return p
}
