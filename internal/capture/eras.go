package capture

// EraOrder lists the game eras in progression order. A row's era classifier
// is stored as a 1-based index into this list; 0 means unknown/unmapped.
var EraOrder = []string{
	"IronAge",
	"EarlyMiddleAge",
	"HighMiddleAge",
	"LateMiddleAge",
	"ColonialAge",
	"IndustrialAge",
	"ProgressiveEra",
	"ModernEra",
	"PostModernEra",
	"ContemporaryEra",
	"TomorrowEra",
	"FutureEra",
	"ArcticFuture",
	"OceanicFuture",
	"VirtualFuture",
	"SpaceAgeMars",
	"SpaceAgeAsteroidBelt",
	"SpaceAgeVenus",
	"SpaceAgeJupiterMoon",
	"SpaceAgeTitan",
	"SpaceAgeSpaceHub",
}

var eraIndex = func() map[string]int64 {
	m := make(map[string]int64, len(EraOrder))
	for i, era := range EraOrder {
		m[era] = int64(i + 1)
	}
	return m
}()

func EraNr(era string) int64 {
	return eraIndex[era]
}

func EraName(nr int64) string {
	if nr >= 1 && nr <= int64(len(EraOrder)) {
		return EraOrder[nr-1]
	}
	return ""
}
