package realtime

import (
	"sort"
	"time"
)

// flattenPresence derives the participant list from a presence snapshot,
// one row per metadata entry. Entries without a parseable joined_at get
// now. A user present under two keys yields two rows; there is no
// de-duplication by user_id.
func flattenPresence(state map[string][]PresenceMeta, now time.Time) []Participant {
	out := make([]Participant, 0, len(state))

	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, meta := range state[k] {
			joined := now
			if meta.JoinedAt != "" {
				if t, err := time.Parse(time.RFC3339, meta.JoinedAt); err == nil {
					joined = t
				}
			}
			out = append(out, Participant{
				UserID:   meta.UserID,
				JoinedAt: joined,
			})
		}
	}
	return out
}
