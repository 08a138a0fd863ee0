package triage

import (
	"strings"
	"unicode/utf8"
)

// Acuity levels produced by the local rules.
const (
	LevelResuscitation = 1
	LevelEmergent      = 2
	LevelUrgent        = 3
)

// distressKeywords flag chest pain or breathing distress in free text.
var distressKeywords = []string{"가슴", "통증", "호흡", "chest"}

// Classify derives an acuity level from the case snapshot. First match wins:
// distress keywords, then abnormal respiration, then impaired consciousness,
// then any substantive symptom text. It returns nil when no rule matches.
func Classify(c Case) *int {
	symptom := strings.ToLower(c.Symptoms)

	for _, kw := range distressKeywords {
		if strings.Contains(symptom, kw) {
			return level(LevelResuscitation)
		}
	}

	rr := ParseVital(c.Respiration)
	if rr > 30 || (rr < 10 && strings.TrimSpace(c.Respiration) != "") {
		return level(LevelResuscitation)
	}

	if c.Consciousness != Alert {
		return level(LevelEmergent)
	}

	if utf8.RuneCountInString(symptom) > 5 {
		return level(LevelUrgent)
	}

	return nil
}

func level(n int) *int { return &n }

// Classifier applies Classify to a case until it is locked. It is not safe
// for concurrent use; the owning session serializes access.
type Classifier struct {
	locked bool
}

// Locked reports whether automatic evaluation is frozen.
func (c *Classifier) Locked() bool { return c.locked }

// Lock freezes automatic evaluation. Called when a remote-derived level is applied.
func (c *Classifier) Lock() { c.locked = true }

// Evaluate recomputes the case level from its current fields. While locked it
// leaves the case untouched and reports false.
func (c *Classifier) Evaluate(cs *Case) bool {
	if c.locked {
		return false
	}
	cs.Level = Classify(*cs)
	return true
}

// ApplyRemote sets a remotely classified level and locks the classifier.
// A nil level leaves the case and the lock as they were.
func (c *Classifier) ApplyRemote(cs *Case, lv *int) {
	if lv == nil {
		return
	}
	v := *lv
	cs.Level = &v
	c.locked = true
}

// Reset clears both the case level and the lock.
func (c *Classifier) Reset(cs *Case) {
	c.locked = false
	cs.Level = nil
}
