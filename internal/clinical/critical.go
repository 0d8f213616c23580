package clinical

import (
	"fmt"
	"strings"
)

// CriticalValue is a lab or vital outside its critical limits.
type CriticalValue struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	Direction string  `json:"direction"`
	Field     string  `json:"field"`
}

func (c CriticalValue) String() string {
	unit := ""
	if c.Unit != "" {
		unit = " " + c.Unit
	}
	return fmt.Sprintf("%s %g%s (critical %s)", c.Name, c.Value, unit, c.Direction)
}

type criticalLimit struct {
	low, high       float64
	hasLow, hasHigh bool
	// highInclusive flags limits reached at equality
	highInclusive bool
}

func (l criticalLimit) check(v float64) (string, bool) {
	if l.hasLow && v < l.low {
		return "low", true
	}
	if l.hasHigh && (v > l.high || (l.highInclusive && v == l.high)) {
		return "high", true
	}
	return "", false
}

var labAliases = map[string]string{
	"k":          "potassium",
	"potassium":  "potassium",
	"na":         "sodium",
	"sodium":     "sodium",
	"hgb":        "hemoglobin",
	"hb":         "hemoglobin",
	"hemoglobin": "hemoglobin",
	"wbc":        "wbc",
	"plt":        "platelets",
	"platelets":  "platelets",
	"lactate":    "lactate",
	"cr":         "creatinine",
	"creatinine": "creatinine",
	"troponin":   "troponin",
}

var criticalLabs = map[string]criticalLimit{
	"potassium":  {low: 2.5, high: 6.5, hasLow: true, hasHigh: true},
	"sodium":     {low: 120, high: 160, hasLow: true, hasHigh: true},
	"hemoglobin": {low: 7.0, hasLow: true},
	"wbc":        {low: 0.5, high: 30, hasLow: true, hasHigh: true},
	"platelets":  {low: 20, hasLow: true},
	"lactate":    {high: 4.0, hasHigh: true},
	"creatinine": {high: 4.0, hasHigh: true},
	"troponin":   {high: 0.5, hasHigh: true},
}

var criticalVitals = []struct {
	name  string
	limit criticalLimit
}{
	{"Temp_C", criticalLimit{high: 38.5, hasHigh: true, highInclusive: true}},
	{"SpO2", criticalLimit{low: 90, hasLow: true}},
}

// CanonicalLab maps lab names and abbreviations ("K", "Hgb") to a canonical name.
func CanonicalLab(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	canon, ok := labAliases[key]
	return canon, ok
}

// CriticalValues returns labs and vitals outside critical limits, labs first in profile order.
func CriticalValues(p PatientProfile) []CriticalValue {
	out := []CriticalValue{}
	for i, lab := range p.RecentLabs {
		canon, ok := CanonicalLab(lab.Name)
		if !ok {
			continue
		}
		if dir, hit := criticalLabs[canon].check(lab.Value); hit {
			out = append(out, CriticalValue{
				Name:      lab.Name,
				Value:     lab.Value,
				Unit:      lab.Unit,
				Direction: dir,
				Field:     fmt.Sprintf("recent_labs[%d]", i),
			})
		}
	}
	for _, cv := range criticalVitals {
		v, ok := p.RecentVitals.Value(cv.name)
		if !ok {
			continue
		}
		if dir, hit := cv.limit.check(v); hit {
			out = append(out, CriticalValue{
				Name:      cv.name,
				Value:     v,
				Direction: dir,
				Field:     "recent_vitals." + cv.name,
			})
		}
	}
	return out
}
