package star

// Site is a known landing site.
type Site struct {
	Name     string
	Location Point
	F2P      bool
}

var Sites = []Site{
	{Name: "Crafting Guild", Location: Point{X: 2940, Y: 3280}, F2P: true},
	{Name: "Rimmington Mine", Location: Point{X: 2974, Y: 3240}, F2P: true},
	{Name: "Lumbridge Swamp", Location: Point{X: 3228, Y: 3186}, F2P: true},
	{Name: "Draynor Village Bank", Location: Point{X: 3092, Y: 3243}, F2P: true},
	{Name: "Varrock East Mine", Location: Point{X: 3290, Y: 3369}, F2P: true},
	{Name: "Barbarian Village", Location: Point{X: 3082, Y: 3420}, F2P: true},
	{Name: "Edgeville Monastery", Location: Point{X: 3052, Y: 3497}, F2P: true},
	{Name: "Cooks' Guild", Location: Point{X: 3145, Y: 3442}, F2P: true},
	{Name: "Grand Exchange", Location: Point{X: 3164, Y: 3489}, F2P: true},
	{Name: "Falador Park", Location: Point{X: 2999, Y: 3376}, F2P: true},
	{Name: "Dwarven Mine", Location: Point{X: 3019, Y: 3450}, F2P: true},
	{Name: "Wilderness Runite Rocks", Location: Point{X: 3061, Y: 3884}, F2P: true},
	{Name: "Southern Wilderness", Location: Point{X: 3024, Y: 3595}, F2P: true},
	{Name: "Port Khazard", Location: Point{X: 2650, Y: 3166}, F2P: false},
	{Name: "Yanille Bank", Location: Point{X: 2602, Y: 3093}, F2P: false},
	{Name: "Al Kharid Mine", Location: Point{X: 3295, Y: 3300}, F2P: true},
	{Name: "Corsair Cove", Location: Point{X: 2483, Y: 2890}, F2P: true},
}

// ClosestSite returns the landing site nearest to p, ignoring planes.
func ClosestSite(p Point) Site {
	best := Sites[0]
	bestD := flatDistance(best.Location, p)
	for _, s := range Sites[1:] {
		if d := flatDistance(s.Location, p); d < bestD {
			best, bestD = s, d
		}
	}
	return best
}

func flatDistance(a, b Point) int {
	return max(abs(a.X-b.X), abs(a.Y-b.Y))
}
