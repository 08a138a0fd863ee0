package routing

// CoverageLevel is the routing service's confidence bucket for a facility.
type CoverageLevel string

const (
	CoverageFull   CoverageLevel = "FULL"
	CoverageHigh   CoverageLevel = "HIGH"
	CoverageMedium CoverageLevel = "MEDIUM"
	CoverageLow    CoverageLevel = "LOW"
	CoverageNone   CoverageLevel = "NONE"
)

// CaseEcho is the service's view of the classified case.
type CaseEcho struct {
	KTAS                         int      `json:"ktas"`
	ComplaintID                  int      `json:"complaint_id"`
	ComplaintLabel               string   `json:"complaint_label"`
	RequiredProcedureGroups      []string `json:"required_procedure_groups"`
	RequiredProcedureGroupLabels []string `json:"required_procedure_group_labels,omitempty"`
}

// BedCount is the bed availability for one procedure group.
type BedCount struct {
	APIBeds       int `json:"api_beds"`
	EffectiveBeds int `json:"effective_beds"`
}

// Hospital is one ranked candidate facility as returned by the service.
type Hospital struct {
	ID                       string              `json:"id"`
	Name                     string              `json:"name"`
	Address                  string              `json:"address,omitempty"`
	Phone                    *string             `json:"phone,omitempty"`
	EmergencyPhone           *string             `json:"emergency_phone,omitempty"`
	Latitude                 float64             `json:"latitude"`
	Longitude                float64             `json:"longitude"`
	ProcedureBeds            map[string]BedCount `json:"procedure_beds"`
	TotalEffectiveBeds       int                 `json:"total_effective_beds"`
	HasAnyBed                bool                `json:"has_any_bed"`
	GroupsWithBeds           []string            `json:"groups_with_beds"`
	GroupsWithBedsLabels     []string            `json:"groups_with_beds_labels"`
	SupportedComplaints      []int               `json:"supported_complaints"`
	SupportedComplaintLabels []string            `json:"supported_complaint_labels"`
	KioskFlags               []string            `json:"mkiosk_flags"`
	CoverageScore            float64             `json:"coverage_score"`
	CoverageLevel            CoverageLevel       `json:"coverage_level"`
	PriorityScore            float64             `json:"priority_score"`
	ReasonSummary            string              `json:"reason_summary"`

	// Distance (meters) and DurationSec are only present after location refinement.
	Distance    *float64 `json:"distance,omitempty"`
	DurationSec *int     `json:"duration_sec,omitempty"`
}

// Vitals are the measurements extracted by the inference endpoints.
type Vitals struct {
	AVPU  string   `json:"avpu,omitempty"`
	RR    *float64 `json:"rr,omitempty"`
	BPSys *float64 `json:"bp_sys,omitempty"`
	BPDia *float64 `json:"bp_dia,omitempty"`
	HR    *float64 `json:"hr,omitempty"`
	BT    *float64 `json:"bt,omitempty"`
}

// Response is the shape shared by every routing and inference operation.
type Response struct {
	FollowUpID *string    `json:"followup_id,omitempty"`
	Case       CaseEcho   `json:"case"`
	Hospitals  []Hospital `json:"hospitals"`
	Vitals     *Vitals    `json:"stt_vitals,omitempty"`
}

// HasDistance reports whether any hospital already carries distance data.
func (r *Response) HasDistance() bool {
	if r == nil {
		return false
	}
	for i := range r.Hospitals {
		if r.Hospitals[i].Distance != nil {
			return true
		}
	}
	return false
}

// Level returns the echoed acuity level when it is in range 1..5.
func (r *Response) Level() *int {
	if r == nil || r.Case.KTAS < 1 || r.Case.KTAS > 5 {
		return nil
	}
	lv := r.Case.KTAS
	return &lv
}

// RouteRequest is the route-by-acuity payload.
type RouteRequest struct {
	KTASLevel        int     `json:"ktas_level"`
	ChiefComplaint   string  `json:"chief_complaint"`
	HospitalFollowUp *string `json:"hospital_followup,omitempty"`
}

// NearestRequest is the route-nearest payload: the prior response plus the
// responder's coordinates.
type NearestRequest struct {
	Response
	UserLat float64 `json:"user_lat"`
	UserLon float64 `json:"user_lon"`
}

// Audio is a finalized voice recording submitted for inference.
type Audio struct {
	Data        []byte
	ContentType string
	Filename    string
}
