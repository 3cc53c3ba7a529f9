package xp

type Tier struct {
	Name string `json:"name"`
	Min  int    `json:"min"`
}

var Tiers = []Tier{
	{Name: "New Comer", Min: 0},
	{Name: "Beginner", Min: 100},
	{Name: "Intermediate", Min: 500},
	{Name: "Pro", Min: 1000},
	{Name: "Legendary", Min: 2500},
}

type Level struct {
	Name        string  `json:"name"`
	Min         int     `json:"min"`
	NextLevelXP int     `json:"nextLevelXp,omitempty"`
	Percentage  float64 `json:"percentage"`
	IsLegendary bool    `json:"isLegendary"`
}

// LevelFor derives the level and the linear progress towards the next tier.
func LevelFor(xp int) Level {
	idx := 0
	for i, tier := range Tiers {
		if xp >= tier.Min {
			idx = i
		}
	}
	current := Tiers[idx]
	level := Level{Name: current.Name, Min: current.Min, Percentage: 100}
	if idx == len(Tiers)-1 {
		level.IsLegendary = true
		return level
	}

	next := Tiers[idx+1]
	level.NextLevelXP = next.Min
	pct := float64(xp-current.Min) / float64(next.Min-current.Min) * 100
	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}
	level.Percentage = pct
	return level
}
