package rendersource

import (
	"slices"
	"strings"

	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
)

// GroupKey identifies a group: every source sharing prototype, profile, group id and keyword
// set lands in the same buffers.
type GroupKey struct {
	PrototypeID uint64
	ProfileID   uint64
	GroupID     int
	Keywords    string
}

// NewGroupKey builds the key for a registration. Keywords are sorted, deduplicated and joined
// so their order does not matter.
//
// Parameters:
//   - proto: the prototype
//   - profile: the rendering profile
//   - groupID: caller-chosen partition, 0 for none
//   - keywords: shader keywords
//
// Returns:
//   - GroupKey: the normalized key
func NewGroupKey(proto prototype.Prototype, profile prototype.Profile, groupID int, keywords []string) GroupKey {
	return GroupKey{
		PrototypeID: proto.ID(),
		ProfileID:   profile.ID(),
		GroupID:     groupID,
		Keywords:    strings.Join(NormalizeKeywords(keywords), " "),
	}
}

// NormalizeKeywords returns the sorted, unique, non-empty keywords.
func NormalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
