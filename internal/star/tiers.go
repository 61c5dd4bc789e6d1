package star

// NPCID is the placeholder npc that stands on a star's tile before its tier object is visible.
const NPCID = 10629

// FinalTier is the last stage before a star is fully mined out.
const FinalTier = 1

var tierObjects = map[int]int{
	41229: 1,
	41228: 2,
	41227: 3,
	41226: 4,
	41225: 5,
	41224: 6,
	41223: 7,
	41021: 8,
	41020: 9,
}

// TierForObject returns the tier of a star object id, or UnknownTier if the
// object is not a star.
func TierForObject(objectID int) int {
	if t, ok := tierObjects[objectID]; ok {
		return t
	}
	return UnknownTier
}

func ObjectForTier(tier int) (int, bool) {
	for id, t := range tierObjects {
		if t == tier {
			return id, true
		}
	}
	return 0, false
}

func TierName(tier int) string {
	if tier < 1 || tier > 9 {
		return "Unknown"
	}
	return "Size " + string(rune('0'+tier))
}
