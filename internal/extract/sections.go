package extract

import (
	"fmt"
	"sort"
	"strings"
)

// SectionPlaceholder fills any required section the document does not
// contain. Downstream consumers rely on every parsed record carrying the
// full section set.
const SectionPlaceholder = "This information could not be found in the document."

// SectionTitles is the fixed set of IEP sections, in presentation order.
// Parsed output contains exactly one entry per title.
var SectionTitles = []string{
	"Present Levels",
	"Eligibility",
	"Placement",
	"Goals",
	"Services",
	"Informed Consent",
	"Accommodations",
	"Key People",
	"Strengths",
}

type sectionInfo struct {
	Description string `json:"description"`
	Guidance    string `json:"guidance"`
}

var sectionCatalog = map[string]sectionInfo{
	"Present Levels": {
		Description: "Present levels of academic achievement and functional performance (PLAAFP): how the student is doing now across academics, communication, behavior, motor skills and daily living.",
		Guidance:    "Look for headings like 'Present Levels', 'PLAAFP', 'PLOP' or 'Current Performance'. Summarize assessment results, teacher observations and baseline data. Keep grade levels, scores and dates exactly as written.",
	},
	"Eligibility": {
		Description: "The disability category under which the student qualifies for special education and the evaluation findings supporting it.",
		Guidance:    "Look for 'Eligibility', 'Disability Category' or evaluation summary pages. Record the primary (and any secondary) category and the eligibility determination date if present.",
	},
	"Placement": {
		Description: "The educational setting where services are delivered and the share of time spent in general education (least restrictive environment).",
		Guidance:    "Look for 'Placement', 'LRE' or 'Educational Setting'. Include percentages of time in general education and any placement justification.",
	},
	"Goals": {
		Description: "Measurable annual goals, with baselines, target criteria and how progress is measured.",
		Guidance:    "Look for 'Annual Goals', 'Measurable Goals' or numbered goal pages. Keep each goal's area, baseline, target and measurement method. Do not merge distinct goals.",
	},
	"Services": {
		Description: "Special education and related services: type, frequency, duration, location and provider.",
		Guidance:    "Look for service grids or 'Special Education and Related Services'. Preserve minutes, frequencies and start/end dates exactly as written.",
	},
	"Informed Consent": {
		Description: "Parent/guardian consent: what was consented to, signatures, and any noted disagreement.",
		Guidance:    "Look for consent or signature pages. Note whether consent was given, declined or partial. Do not reproduce signatures; state that a signature is present.",
	},
	"Accommodations": {
		Description: "Accommodations and modifications for classroom work and testing.",
		Guidance:    "Look for 'Accommodations', 'Modifications' or testing-accommodation checklists. List each item; keep classroom and state-testing accommodations distinguishable.",
	},
	"Key People": {
		Description: "The IEP team: names are redacted, so capture roles (case manager, teachers, related-service providers, administrators, parents).",
		Guidance:    "Look for team or attendance pages. List roles and titles. Redaction markers such as [NAME] are expected; keep them as written.",
	},
	"Strengths": {
		Description: "The student's strengths, interests and parent/teacher input on what works well.",
		Guidance:    "Look for 'Strengths', 'Student Interests' or parent-input sections. Summarize positively framed content; this is often embedded inside present-levels text.",
	},
}

// sectionInfoFor resolves a section name case-insensitively.
func sectionInfoFor(name string) (string, sectionInfo, error) {
	canonical, ok := canonicalTitle(name)
	if !ok {
		names := make([]string, len(SectionTitles))
		copy(names, SectionTitles)
		sort.Strings(names)
		return "", sectionInfo{}, fmt.Errorf("unknown section %q, valid sections: %s", name, strings.Join(names, ", "))
	}
	return canonical, sectionCatalog[canonical], nil
}

// canonicalTitle maps a model-supplied title onto the fixed set. Matching
// is case-insensitive and ignores surrounding whitespace and a trailing
// colon.
func canonicalTitle(title string) (string, bool) {
	cleaned := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(title), ":"))
	for _, t := range SectionTitles {
		if strings.ToLower(t) == cleaned {
			return t, true
		}
	}
	return "", false
}
