package triage

import (
	"strconv"
	"strings"
	"unicode"
)

// Consciousness is the AVPU responsiveness scale.
type Consciousness string

const (
	Alert        Consciousness = "Alert"
	Voice        Consciousness = "Voice"
	Pain         Consciousness = "Pain"
	Unresponsive Consciousness = "Unresponsive"
)

// Valid reports whether c is one of the four AVPU values.
func (c Consciousness) Valid() bool {
	switch c {
	case Alert, Voice, Pain, Unresponsive:
		return true
	}
	return false
}

// Case is the patient record captured in the field. Vitals are kept as typed
// by the responder; numeric interpretation happens at the point of use.
type Case struct {
	Consciousness Consciousness `json:"consciousness"`
	Respiration   string        `json:"respiration"`
	BloodPressure string        `json:"blood_pressure"`
	Pulse         string        `json:"pulse"`
	Temperature   string        `json:"temperature"`
	Symptoms      string        `json:"symptoms"`
	FollowUp      string        `json:"follow_up,omitempty"`

	// Level is the acuity level 1 (most urgent) to 5, nil when unclassified.
	Level *int `json:"ktas_level"`
}

// NewCase returns the blank case a session starts with.
func NewCase() Case {
	return Case{Consciousness: Alert}
}

// Clone returns a deep copy of c.
func (c Case) Clone() Case {
	if c.Level != nil {
		lv := *c.Level
		c.Level = &lv
	}
	return c
}

// Patch is a partial edit of the case fields a responder can change by hand.
// Nil fields are left untouched.
type Patch struct {
	Consciousness *Consciousness `json:"consciousness,omitempty" validate:"omitempty,oneof=Alert Voice Pain Unresponsive"`
	Respiration   *string        `json:"respiration,omitempty" validate:"omitempty,max=16"`
	BloodPressure *string        `json:"blood_pressure,omitempty" validate:"omitempty,max=16"`
	Pulse         *string        `json:"pulse,omitempty" validate:"omitempty,max=16"`
	Temperature   *string        `json:"temperature,omitempty" validate:"omitempty,max=16"`
	Symptoms      *string        `json:"symptoms,omitempty" validate:"omitempty,max=2000"`
	FollowUp      *string        `json:"follow_up,omitempty" validate:"omitempty,max=200"`
}

// ApplyTo writes the non-nil patch fields onto c. It never touches Level.
func (p Patch) ApplyTo(c *Case) {
	if p.Consciousness != nil {
		c.Consciousness = *p.Consciousness
	}
	if p.Respiration != nil {
		c.Respiration = *p.Respiration
	}
	if p.BloodPressure != nil {
		c.BloodPressure = *p.BloodPressure
	}
	if p.Pulse != nil {
		c.Pulse = *p.Pulse
	}
	if p.Temperature != nil {
		c.Temperature = *p.Temperature
	}
	if p.Symptoms != nil {
		c.Symptoms = *p.Symptoms
	}
	if p.FollowUp != nil {
		c.FollowUp = *p.FollowUp
	}
}

// ParseVital reads the leading integer of a typed vital. Anything that does
// not start with a number reads as zero.
func ParseVital(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for i, r := range s {
		if i == 0 && (r == '-' || r == '+') {
			end = 1
			continue
		}
		if !unicode.IsDigit(r) {
			break
		}
		end = i + 1
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
