package model

// Status is the answer to a GET_STATUS request from the UI layer.
type Status struct {
	Identity       string `json:"uid"`
	MyScore        int    `json:"myScore"`
	PartnerScore   int    `json:"partnerScore"`
	PartnerID      string `json:"partnerId,omitempty"`
	RecentKeyCount int    `json:"recentKeyCount"`
	Band           string `json:"band"`
	Color          string `json:"color"`
}

// ScoreBand buckets a freeness score into a display band. Lower scores
// mean more activity.
type ScoreBand struct {
	Max   int
	Color string
	Label string
}

var scoreBands = []ScoreBand{
	{Max: 20, Color: "#9E9E9E", Label: "deep focus"},
	{Max: 40, Color: "#4CAF50", Label: "busy"},
	{Max: 60, Color: "#FFEB3B", Label: "moderate"},
	{Max: 80, Color: "#FF9800", Label: "light"},
	{Max: 101, Color: "#F44336", Label: "free"},
}

func BandForScore(score int) ScoreBand {
	for _, b := range scoreBands {
		if score < b.Max {
			return b
		}
	}
	return scoreBands[len(scoreBands)-1]
}
