package vis

// Collection names a Landsat collection on the imagery backend.
type Collection string

const (
	LT05 Collection = "LANDSAT/LT05/C02/T1_L2"
	LE07 Collection = "LANDSAT/LE07/C02/T1_L2"
	LC08 Collection = "LANDSAT/LC08/C02/T1_L2"
	LC09 Collection = "LANDSAT/LC09/C02/T1_L2"
)

// CollectionForYear maps a year onto the satellite whose record covers it:
// Landsat 5 through 2012, Landsat 7 for 2013, Landsat 8 through 2024,
// Landsat 9 afterward.
func CollectionForYear(year int) Collection {
	switch {
	case year <= 2012:
		return LT05
	case year == 2013:
		return LE07
	case year <= 2024:
		return LC08
	default:
		return LC09
	}
}

// CollectionsForRange returns the (year, collection) pairing for an
// inclusive year span, used when a campaign covers several satellites.
func CollectionsForRange(startYear, endYear int) map[int]Collection {
	out := make(map[int]Collection)
	for y := startYear; y <= endYear; y++ {
		out[y] = CollectionForYear(y)
	}
	return out
}

func builtins() []Param {
	return []Param{
		SentinelParam{
			ID:     "tvi-green",
			Select: []string{"B4", "B8A", "B11"},
			Bands:  []string{"SWIR1", "REDEDGE4", "RED"},
			Min:    "600, 700, 400",
			Max:    "4300, 5400, 2800",
			Gamma:  "1.1",
		},
		SentinelParam{
			ID:     "tvi-red",
			Select: []string{"B4", "B8A", "B11"},
			Bands:  []string{"REDEDGE4", "SWIR1", "RED"},
			Min:    "700, 600, 400",
			Max:    "5400, 4300, 2800",
			Gamma:  "1.1",
		},
		SentinelParam{
			ID:     "tvi-rgb",
			Select: []string{"B4", "B3", "B2"},
			Bands:  []string{"B4", "B3", "B2"},
			Min:    "200, 300, 700",
			Max:    "3000, 2500, 2300",
			Gamma:  "1.35",
		},
		LandsatParam{
			ID: "landsat-tvi-true",
			Collections: map[Collection]BandSpec{
				LT05: {Bands: []string{"SR_B3", "SR_B2", "SR_B1"}, Min: "0.03, 0.03, 0.0", Max: "0.25, 0.25, 0.25", Gamma: "1.2"},
				LE07: {Bands: []string{"SR_B3", "SR_B2", "SR_B1"}, Min: "0.03, 0.03, 0.0", Max: "0.25, 0.25, 0.25", Gamma: "1.2"},
				LC08: {Bands: []string{"SR_B4", "SR_B3", "SR_B2"}, Min: "0.03, 0.03, 0.0", Max: "0.25, 0.25, 0.25", Gamma: "1.2"},
				LC09: {Bands: []string{"SR_B4", "SR_B3", "SR_B2"}, Min: "0.03, 0.03, 0.0", Max: "0.25, 0.25, 0.25", Gamma: "1.2"},
			},
		},
		LandsatParam{
			ID: "landsat-tvi-agri",
			Collections: map[Collection]BandSpec{
				LT05: {Bands: []string{"SR_B5", "SR_B4", "SR_B3"}, Min: "0.05, 0.05, 0.03", Max: "0.5, 0.55, 0.3", Gamma: "0.9"},
				LE07: {Bands: []string{"SR_B5", "SR_B4", "SR_B3"}, Min: "0.05, 0.05, 0.03", Max: "0.5, 0.55, 0.3", Gamma: "0.9"},
				LC08: {Bands: []string{"SR_B6", "SR_B5", "SR_B4"}, Min: "0.05, 0.05, 0.03", Max: "0.5, 0.55, 0.3", Gamma: "0.9"},
				LC09: {Bands: []string{"SR_B6", "SR_B5", "SR_B4"}, Min: "0.05, 0.05, 0.03", Max: "0.5, 0.55, 0.3", Gamma: "0.9"},
			},
		},
		LandsatParam{
			ID: "landsat-tvi-false",
			Collections: map[Collection]BandSpec{
				LT05: {Bands: []string{"SR_B4", "SR_B5", "SR_B3"}, Min: "0.05, 0.05, 0.03", Max: "0.6, 0.55, 0.3", Gamma: "1.2"},
				LE07: {Bands: []string{"SR_B4", "SR_B5", "SR_B3"}, Min: "0.05, 0.05, 0.03", Max: "0.6, 0.55, 0.3", Gamma: "1.2"},
				LC08: {Bands: []string{"SR_B5", "SR_B6", "SR_B4"}, Min: "0.05, 0.05, 0.03", Max: "0.6, 0.55, 0.3", Gamma: "1.2"},
				LC09: {Bands: []string{"SR_B5", "SR_B6", "SR_B4"}, Min: "0.05, 0.05, 0.03", Max: "0.6, 0.55, 0.3", Gamma: "1.2"},
			},
		},
	}
}
