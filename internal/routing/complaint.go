package routing

import "strings"

// Chief-complaint codes understood by route-by-acuity.
const (
	ComplaintChestPain   = "chest_pain"
	ComplaintDyspnea     = "dyspnea"
	ComplaintNeuro       = "neuro"
	ComplaintAbdominal   = "abdominal"
	ComplaintBleeding    = "bleeding"
	ComplaintAltered     = "altered"
	ComplaintTrauma      = "trauma"
	ComplaintOBGYN       = "obgyn"
	ComplaintPediatric   = "pediatric"
	ComplaintPsychiatric = "psychiatric"
)

// complaintKeywords is ordered; the first code with a matching keyword wins.
var complaintKeywords = []struct {
	code     string
	keywords []string
}{
	{ComplaintChestPain, []string{"가슴", "흉통", "chest"}},
	{ComplaintDyspnea, []string{"호흡", "숨", "resp"}},
	{ComplaintNeuro, []string{"신경", "편마비", "경련", "stroke"}},
	{ComplaintAbdominal, []string{"복통", "소화", "abdominal", "배"}},
	{ComplaintBleeding, []string{"출혈", "bleed"}},
	{ComplaintAltered, []string{"의식", "altered", "syncope"}},
	{ComplaintTrauma, []string{"외상", "trauma", "사고", "골절", "화상"}},
	{ComplaintOBGYN, []string{"산부인", "ob", "preg"}},
	{ComplaintPediatric, []string{"소아", "pediatric", "아이"}},
	{ComplaintPsychiatric, []string{"정신", "psy"}},
}

// ComplaintCode maps free symptom text to a chief-complaint code. It returns
// "" when the text is blank or nothing matches.
func ComplaintCode(symptom string) string {
	s := strings.ToLower(symptom)
	if strings.TrimSpace(s) == "" {
		return ""
	}
	for _, c := range complaintKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(s, kw) {
				return c.code
			}
		}
	}
	return ""
}

// ChiefComplaint is the value sent to route-by-acuity: the mapped code, or the
// raw text when no code matches.
func ChiefComplaint(symptom string) string {
	if code := ComplaintCode(symptom); code != "" {
		return code
	}
	return symptom
}
