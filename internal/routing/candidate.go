package routing

import "math"

// MaxCandidates is how many ranked hospitals are shown to the responder.
const MaxCandidates = 3

// Candidate is the display model of a ranked hospital.
type Candidate struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Address        string        `json:"address,omitempty"`
	Phone          string        `json:"phone,omitempty"`
	AvailableBeds  int           `json:"available_beds"`
	ETAMinutes     *int          `json:"eta_minutes,omitempty"`
	DistanceKM     *float64      `json:"distance_km,omitempty"`
	Specialties    []string      `json:"specialties"`
	AcceptanceRate *int          `json:"acceptance_rate,omitempty"`
	ReasonSummary  string        `json:"reason_summary,omitempty"`
	CoverageLevel  CoverageLevel `json:"coverage_level,omitempty"`
	CoverageScore  float64       `json:"coverage_score"`
	KioskFlags     []string      `json:"kiosk_flags,omitempty"`
}

// Candidates maps the first MaxCandidates hospitals of r, in rank order.
func Candidates(r *Response) []Candidate {
	if r == nil {
		return nil
	}
	n := min(len(r.Hospitals), MaxCandidates)
	out := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ToCandidate(r.Hospitals[i]))
	}
	return out
}

// ToCandidate maps one hospital to its display model.
func ToCandidate(h Hospital) Candidate {
	c := Candidate{
		ID:            h.ID,
		Name:          h.Name,
		Address:       h.Address,
		AvailableBeds: h.TotalEffectiveBeds,
		ReasonSummary: h.ReasonSummary,
		CoverageLevel: h.CoverageLevel,
		CoverageScore: h.CoverageScore,
		KioskFlags:    append([]string(nil), h.KioskFlags...),
		Specialties:   []string{"ER"},
	}

	if len(h.GroupsWithBedsLabels) > 0 {
		c.Specialties = append([]string(nil), h.GroupsWithBedsLabels...)
	}

	switch {
	case h.Phone != nil && *h.Phone != "":
		c.Phone = *h.Phone
	case h.EmergencyPhone != nil:
		c.Phone = *h.EmergencyPhone
	}

	if h.DurationSec != nil && *h.DurationSec > 0 {
		eta := max(1, int(math.Round(float64(*h.DurationSec)/60)))
		c.ETAMinutes = &eta
	}
	if h.Distance != nil {
		km := math.Round(*h.Distance/100) / 10
		c.DistanceKM = &km
	}
	if h.CoverageScore != 0 {
		rate := int(math.Round(h.CoverageScore * 100))
		c.AcceptanceRate = &rate
	}
	return c
}

// Find returns the hospital with the given id from the displayed prefix of r.
func Find(r *Response, id string) (Hospital, bool) {
	if r == nil {
		return Hospital{}, false
	}
	n := min(len(r.Hospitals), MaxCandidates)
	for i := 0; i < n; i++ {
		if r.Hospitals[i].ID == id {
			return r.Hospitals[i], true
		}
	}
	return Hospital{}, false
}
