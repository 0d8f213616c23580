package clinical

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	apperrors "github.com/medxp/handoff/internal/shared/errors"
)

// CodeStatus is the resuscitation status. The zero value means the field was absent.
type CodeStatus string

const (
	CodeStatusFull    CodeStatus = "Full"
	CodeStatusDNR     CodeStatus = "DNR"
	CodeStatusDNI     CodeStatus = "DNI"
	CodeStatusUnknown CodeStatus = "Unknown"
)

// ParseCodeStatus normalizes charted free text. Unrecognized text is Unknown.
func ParseCodeStatus(s string) CodeStatus {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "":
		return ""
	case strings.Contains(v, "dnr"), strings.Contains(v, "do not resuscitate"):
		return CodeStatusDNR
	case strings.Contains(v, "dni"), strings.Contains(v, "do not intubate"):
		return CodeStatusDNI
	case strings.HasPrefix(v, "full"):
		return CodeStatusFull
	}
	return CodeStatusUnknown
}

func (c *CodeStatus) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("code_status: %w", err)
	}
	if raw == nil {
		*c = ""
		return nil
	}
	*c = ParseCodeStatus(*raw)
	return nil
}

// Documented reports whether a definite code status is charted.
func (c CodeStatus) Documented() bool {
	return c == CodeStatusFull || c == CodeStatusDNR || c == CodeStatusDNI
}

type Medication struct {
	Name   string `json:"name"`
	Dose   string `json:"dose,omitempty"`
	Status string `json:"status,omitempty"`
}

// Active reports whether the medication is still being given.
func (m Medication) Active() bool {
	switch strings.ToLower(strings.TrimSpace(m.Status)) {
	case "discontinued", "stopped", "completed", "cancelled":
		return false
	}
	return true
}

// Vitals is the most recent vital-sign snapshot. Unmeasured values are nil.
type Vitals struct {
	TempC *float64 `json:"Temp_C,omitempty"`
	HR    *float64 `json:"HR,omitempty"`
	RR    *float64 `json:"RR,omitempty"`
	BPSys *float64 `json:"BP_sys,omitempty"`
	BPDia *float64 `json:"BP_dia,omitempty"`
	SpO2  *float64 `json:"SpO2,omitempty"`
}

// VitalNames lists the names accepted by Vitals.Value.
var VitalNames = []string{"Temp_C", "HR", "RR", "BP_sys", "BP_dia", "SpO2"}

// Value looks up a vital by its wire name.
func (v Vitals) Value(name string) (float64, bool) {
	var p *float64
	switch name {
	case "Temp_C":
		p = v.TempC
	case "HR":
		p = v.HR
	case "RR":
		p = v.RR
	case "BP_sys":
		p = v.BPSys
	case "BP_dia":
		p = v.BPDia
	case "SpO2":
		p = v.SpO2
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

type LabResult struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Flag  string  `json:"flag,omitempty"`
}

// PatientProfile is the structured patient state for one session.
// It is snapshotted with Clone when a session is accepted and never mutated afterwards.
type PatientProfile struct {
	PatientID          string       `json:"patient_id"`
	Name               string       `json:"name"`
	Age                int          `json:"age,omitempty"`
	Gender             string       `json:"gender,omitempty"`
	Room               string       `json:"room,omitempty"`
	MRN                string       `json:"mrn,omitempty"`
	PrimaryDiagnosis   string       `json:"primary_diagnosis"`
	ActiveProblems     []string     `json:"active_problems"`
	Allergies          []string     `json:"allergies"`
	CodeStatus         CodeStatus   `json:"code_status,omitempty"`
	Isolation          string       `json:"isolation,omitempty"`
	LinesDrains        []string     `json:"lines_drains,omitempty"`
	CurrentMedications []Medication `json:"current_medications"`
	RecentVitals       Vitals       `json:"recent_vitals"`
	RecentLabs         []LabResult  `json:"recent_labs"`
}

// Validate checks field presence. It is the only schema check performed on profiles.
func (p *PatientProfile) Validate() error {
	details := map[string]string{}
	if strings.TrimSpace(p.PatientID) == "" {
		details["patient_id"] = "required"
	}
	if strings.TrimSpace(p.Name) == "" {
		details["name"] = "required"
	}
	for i, m := range p.CurrentMedications {
		if strings.TrimSpace(m.Name) == "" {
			details[fmt.Sprintf("current_medications[%d].name", i)] = "required"
		}
	}
	for i, l := range p.RecentLabs {
		if strings.TrimSpace(l.Name) == "" {
			details[fmt.Sprintf("recent_labs[%d].name", i)] = "required"
		}
	}
	if len(details) > 0 {
		return apperrors.Validation("invalid patient profile", details)
	}
	return nil
}

// Clone returns a deep copy.
func (p PatientProfile) Clone() PatientProfile {
	out := p
	out.ActiveProblems = append([]string(nil), p.ActiveProblems...)
	out.Allergies = append([]string(nil), p.Allergies...)
	out.LinesDrains = append([]string(nil), p.LinesDrains...)
	out.CurrentMedications = append([]Medication(nil), p.CurrentMedications...)
	out.RecentLabs = append([]LabResult(nil), p.RecentLabs...)
	out.RecentVitals = Vitals{
		TempC: cloneFloat(p.RecentVitals.TempC),
		HR:    cloneFloat(p.RecentVitals.HR),
		RR:    cloneFloat(p.RecentVitals.RR),
		BPSys: cloneFloat(p.RecentVitals.BPSys),
		BPDia: cloneFloat(p.RecentVitals.BPDia),
		SpO2:  cloneFloat(p.RecentVitals.SpO2),
	}
	return out
}

// ActiveMedications returns the medications still being given, with their profile index.
func (p PatientProfile) ActiveMedications() []IndexedMedication {
	var out []IndexedMedication
	for i, m := range p.CurrentMedications {
		if m.Active() {
			out = append(out, IndexedMedication{Index: i, Medication: m})
		}
	}
	return out
}

// IndexedMedication keeps the position of a medication in the profile for evidence citations.
type IndexedMedication struct {
	Index int
	Medication
}

// Field returns the evidence reference for the medication name.
func (m IndexedMedication) Field() string {
	return fmt.Sprintf("current_medications[%d].name=%s", m.Index, m.Name)
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float is a helper for building Vitals literals.
func Float(v float64) *float64 {
	return &v
}

type Provider struct {
	StaffID string `json:"staff_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty"`
}

// MaxSessionIDLength matches the session_id column width.
const MaxSessionIDLength = 64

// TranscriptSession is one submitted handoff transcript. Immutable once accepted.
type TranscriptSession struct {
	SessionID      string    `json:"session_id"`
	PatientID      string    `json:"patient_id"`
	Provider       Provider  `json:"provider"`
	TranscriptText string    `json:"transcript_text"`
	Timestamp      time.Time `json:"timestamp"`
}

func (t *TranscriptSession) Validate() error {
	details := map[string]string{}
	switch {
	case strings.TrimSpace(t.SessionID) == "":
		details["session_id"] = "required"
	case utf8.RuneCountInString(t.SessionID) > MaxSessionIDLength:
		details["session_id"] = fmt.Sprintf("must be at most %d characters", MaxSessionIDLength)
	}
	if strings.TrimSpace(t.PatientID) == "" {
		details["patient_id"] = "required"
	}
	if strings.TrimSpace(t.TranscriptText) == "" {
		details["transcript_text"] = "required"
	}
	if t.Timestamp.IsZero() {
		details["timestamp"] = "required"
	}
	if len(details) > 0 {
		return apperrors.Validation("invalid transcript session", details)
	}
	return nil
}

// ValidateSession checks a transcript and profile together. Either both are accepted or the session is rejected.
func ValidateSession(t *TranscriptSession, p *PatientProfile) error {
	details := map[string]string{}
	if err := t.Validate(); err != nil {
		mergeDetails(details, "", err)
	}
	if err := p.Validate(); err != nil {
		mergeDetails(details, "profile.", err)
	}
	if len(details) == 0 && t.PatientID != p.PatientID {
		details["patient_id"] = fmt.Sprintf("transcript patient %q does not match profile patient %q", t.PatientID, p.PatientID)
	}
	if len(details) > 0 {
		return apperrors.Validation("session rejected", details)
	}
	return nil
}

func mergeDetails(dst map[string]string, prefix string, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		dst[prefix+"error"] = err.Error()
		return
	}
	for k, v := range appErr.Details {
		dst[prefix+k] = v
	}
}

// NewSessionID returns an id of the form HO-YYYYMMDD-HHMM-xxxxxxxx.
func NewSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("HO-%s-%s", now.UTC().Format("20060102-1504"), suffix)
}
