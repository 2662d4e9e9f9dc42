package schedule

import "sort"

// GroupSubscribers maps each distinct address key to its subscriber ids.
// Subscribers without args or with undecodable args are skipped; the number
// of undecodable ones is returned so callers can report it.
func GroupSubscribers(subs []Subscriber) (map[Key][]int64, int) {
	groups := make(map[Key][]int64)
	seen := make(map[Key]map[int64]struct{})
	invalid := 0
	for _, s := range subs {
		if s.SubscriptionArgs == "" {
			continue
		}
		k, err := ParseKey(s.SubscriptionArgs)
		if err != nil {
			invalid++
			continue
		}
		ids := seen[k]
		if ids == nil {
			ids = make(map[int64]struct{})
			seen[k] = ids
		}
		if _, dup := ids[s.UserID]; dup {
			continue
		}
		ids[s.UserID] = struct{}{}
		groups[k] = append(groups[k], s.UserID)
	}
	return groups, invalid
}

// SortedKeys returns the keys of groups ordered by their canonical string.
func SortedKeys(groups map[Key][]int64) []Key {
	keys := make([]Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
