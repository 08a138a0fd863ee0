package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/linnemanlabs/ermct/internal/routing"
	"github.com/linnemanlabs/ermct/internal/triage"
)

const unknownField = "정보 없음"

// Report renders the case as the free-text field report sent for text
// inference.
func Report(c triage.Case) string {
	field := func(v string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return unknownField
	}
	return fmt.Sprintf("환자 보고: 주증상: %s. 의식: %s. 호흡수: %s. 맥박: %s. 혈압: %s. 체온: %s. 평소 병원: %s.",
		strings.TrimSpace(c.Symptoms),
		c.Consciousness,
		field(c.Respiration),
		field(c.Pulse),
		field(c.BloodPressure),
		field(c.Temperature),
		field(c.FollowUp),
	)
}

// ApplyResponse merges an inference response into the case: the remote level
// (which locks the classifier), the complaint label as symptom text, and any
// extracted vitals. Fields the response does not carry are kept.
func ApplyResponse(c *triage.Case, cl *triage.Classifier, r *routing.Response) {
	cl.ApplyRemote(c, r.Level())
	if label := strings.TrimSpace(r.Case.ComplaintLabel); label != "" {
		c.Symptoms = label
	}

	v := r.Vitals
	if v == nil {
		return
	}
	if a := triage.Consciousness(avpu(v.AVPU)); a.Valid() {
		c.Consciousness = a
	}
	if v.RR != nil {
		c.Respiration = number(*v.RR)
	}
	if v.BPSys != nil && v.BPDia != nil {
		c.BloodPressure = number(*v.BPSys) + "/" + number(*v.BPDia)
	}
	if v.HR != nil {
		c.Pulse = number(*v.HR)
	}
	if v.BT != nil {
		c.Temperature = number(*v.BT)
	}
}

// avpu accepts both the single-letter scale and the full words.
func avpu(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "ALERT":
		return string(triage.Alert)
	case "V", "VOICE":
		return string(triage.Voice)
	case "P", "PAIN":
		return string(triage.Pain)
	case "U", "UNRESPONSIVE":
		return string(triage.Unresponsive)
	}
	return ""
}

func number(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
