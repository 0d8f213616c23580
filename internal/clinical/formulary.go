package clinical

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

//go:embed data/formulary.json
var defaultFormulary []byte

// Formulary maps medication names to drug classes and allergies to the classes they cross-react with.
type Formulary struct {
	medications     map[string][]string
	allergyTerms    map[string][]string
	crossReactivity map[string][]string
	medKeys         []string
}

type formularyFile struct {
	Medications     map[string][]string `json:"medications"`
	AllergyClasses  map[string][]string `json:"allergy_classes"`
	CrossReactivity map[string][]string `json:"cross_reactivity"`
}

// DefaultFormulary returns the embedded formulary.
func DefaultFormulary() *Formulary {
	f, err := ParseFormulary(bytes.NewReader(defaultFormulary))
	if err != nil {
		panic(fmt.Sprintf("embedded formulary: %v", err))
	}
	return f
}

// LoadFormulary reads a formulary file. An empty path returns the embedded default.
func LoadFormulary(path string) (*Formulary, error) {
	if path == "" {
		return DefaultFormulary(), nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open formulary: %w", err)
	}
	defer fh.Close()
	return ParseFormulary(fh)
}

func ParseFormulary(r io.Reader) (*Formulary, error) {
	var file formularyFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode formulary: %w", err)
	}
	f := &Formulary{
		medications:     lowerKeys(file.Medications),
		allergyTerms:    lowerKeys(file.AllergyClasses),
		crossReactivity: lowerKeys(file.CrossReactivity),
	}
	for k := range f.medications {
		f.medKeys = append(f.medKeys, k)
	}
	sort.Strings(f.medKeys)
	return f, nil
}

// Classes returns the sorted drug classes of a medication name such as "Enoxaparin 40mg".
func (f *Formulary) Classes(medication string) []string {
	name := strings.ToLower(medication)
	set := map[string]struct{}{}
	for _, key := range f.medKeys {
		if strings.Contains(name, key) {
			for _, c := range f.medications[key] {
				set[c] = struct{}{}
			}
		}
	}
	return sortedSet(set)
}

// HasClass reports whether the medication belongs to class.
func (f *Formulary) HasClass(medication, class string) bool {
	for _, c := range f.Classes(medication) {
		if c == strings.ToLower(class) {
			return true
		}
	}
	return false
}

// AllergyClasses maps a charted allergy ("PCN", "Sulfa drugs") to allergy classes.
func (f *Formulary) AllergyClasses(allergy string) []string {
	a := strings.ToLower(allergy)
	set := map[string]struct{}{}
	for class, terms := range f.allergyTerms {
		for _, term := range terms {
			if strings.Contains(a, term) {
				set[class] = struct{}{}
				break
			}
		}
	}
	return sortedSet(set)
}

// CrossReactive returns the drug classes an allergy class reacts with.
func (f *Formulary) CrossReactive(allergyClass string) []string {
	return f.crossReactivity[strings.ToLower(allergyClass)]
}

// Size returns the number of medication entries.
func (f *Formulary) Size() int {
	return len(f.medications)
}

func lowerKeys(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, vs := range in {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		lowered := make([]string, 0, len(vs))
		for _, v := range vs {
			lowered = append(lowered, strings.ToLower(strings.TrimSpace(v)))
		}
		out[key] = lowered
	}
	return out
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
