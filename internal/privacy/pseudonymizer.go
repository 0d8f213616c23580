package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/medxp/handoff/internal/clinical"
)

// Pseudonymizer replaces direct patient identifiers before any text leaves the process.
// The mapping is a deterministic one-way HMAC-SHA256, so the same patient always gets the same pseudonym.
type Pseudonymizer struct {
	hmacKey []byte

	cache   map[string]string
	cacheMu sync.RWMutex
}

func NewPseudonymizer(hmacKey []byte) *Pseudonymizer {
	return &Pseudonymizer{
		hmacKey: hmacKey,
		cache:   make(map[string]string),
	}
}

// Pseudonym returns PSN-<16 hex chars> for an identifier. Empty input yields "".
func (p *Pseudonymizer) Pseudonym(id string) string {
	if id == "" {
		return ""
	}

	p.cacheMu.RLock()
	if cached, ok := p.cache[id]; ok {
		p.cacheMu.RUnlock()
		return cached
	}
	p.cacheMu.RUnlock()

	mac := hmac.New(sha256.New, p.hmacKey)
	mac.Write([]byte(id))
	pseudonym := "PSN-" + hex.EncodeToString(mac.Sum(nil))[:16]

	p.cacheMu.Lock()
	p.cache[id] = pseudonym
	p.cacheMu.Unlock()

	return pseudonym
}

// Profile returns a copy of the profile with identity fields pseudonymized and the MRN dropped.
func (p *Pseudonymizer) Profile(profile clinical.PatientProfile) clinical.PatientProfile {
	out := profile.Clone()
	out.PatientID = p.Pseudonym(profile.PatientID)
	out.Name = p.Pseudonym(profile.PatientID)
	out.MRN = ""
	return out
}

// Transcript replaces the patient's name parts, id and MRN in free text with the pseudonym.
func (p *Pseudonymizer) Transcript(text string, profile clinical.PatientProfile) string {
	pseudonym := p.Pseudonym(profile.PatientID)
	if pseudonym == "" {
		return text
	}

	var terms []string
	for _, part := range strings.Fields(profile.Name) {
		part = strings.Trim(part, ".,")
		// initials and short particles are too ambiguous to redact
		if len(part) >= 3 {
			terms = append(terms, part)
		}
	}
	if profile.Name != "" {
		terms = append(terms, profile.Name)
	}
	for _, id := range []string{profile.PatientID, profile.MRN} {
		if id != "" {
			terms = append(terms, id)
		}
	}
	if len(terms) == 0 {
		return text
	}

	// longest first so full names win over their parts
	sort.Slice(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = regexp.QuoteMeta(t)
	}
	re := regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	return re.ReplaceAllString(text, pseudonym)
}

// MaskName returns a masked version of a name for logs.
func MaskName(name string) string {
	if len(name) <= 1 {
		return "*"
	}
	return string(name[0]) + "." + " ***"
}
