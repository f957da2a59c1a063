package classifier

import "civic-reports-go/internal/types"

// DefaultSignatures is the built-in keyword table, one entry per category.
func DefaultSignatures() []Signature {
	return []Signature{
		{
			Type: types.GarbageSanitation,
			Strong: []string{
				"garbage", "trash", "waste", "rubbish", "litter", "dumpster",
				"sewage", "overflowing bin", "garbage collection", "open drain",
				"dead animal",
			},
			Weak: []string{"smell", "stink", "stench", "rats", "flies", "bin", "dump"},
		},
		{
			Type: types.RoadDamage,
			Strong: []string{
				"pothole", "potholes", "road damage", "cracked road", "sinkhole",
				"broken pavement", "damaged road", "caved in", "road repair",
			},
			Weak: []string{"road", "asphalt", "pavement", "crack", "bump", "faded paint", "sidewalk"},
		},
		{
			Type: types.StreetLights,
			Strong: []string{
				"streetlight", "streetlights", "street light", "street lights",
				"lamp post", "light pole", "lights out", "light out",
			},
			Weak: []string{"dark", "lamp", "bulb", "flickering", "light"},
		},
		{
			Type: types.WaterSupply,
			Strong: []string{
				"water supply", "no water", "water leak", "burst pipe", "pipe burst",
				"water main", "flooding", "low pressure", "contaminated water",
				"dirty water",
			},
			Weak: []string{"water", "pipe", "tap", "leak", "leaking", "flooded"},
		},
		{
			Type: types.TrafficSafety,
			Strong: []string{
				"traffic light", "traffic signal", "crosswalk", "zebra crossing",
				"speeding", "accident", "stop sign", "road sign", "pedestrian crossing",
			},
			Weak: []string{"traffic", "signal", "intersection", "junction", "pedestrian", "speed"},
		},
		{
			Type: types.GeneralCivic,
			Strong: []string{
				"park", "playground", "graffiti", "noise", "fallen tree",
				"stray dogs", "public toilet", "bench",
			},
			Weak: []string{"tree", "stray", "public"},
		},
	}
}

// Vocabulary lists every term of the given signatures (the default table when
// none are given) in table order, without duplicates.
func Vocabulary(signatures ...Signature) []string {
	if len(signatures) == 0 {
		signatures = DefaultSignatures()
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range signatures {
		for _, group := range [][]string{s.Strong, s.Weak} {
			for _, t := range group {
				if !seen[t] {
					seen[t] = true
					out = append(out, t)
				}
			}
		}
	}
	return out
}
