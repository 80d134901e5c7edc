package heading

type allergiesTransformer struct {
	base
}

func newAllergies() *allergiesTransformer {
	return &allergiesTransformer{base{
		heading:    Allergies,
		templateID: "IDCR - Adverse Reaction List.v1",
		dateField:  "dateCreated",
		queries: map[Dialect]string{
			DialectAQL: `select
    a/uid/value as uid,
    a/composer/name as author,
    a/context/start_time/value as date_created,
    b_a/data[at0001]/items[at0002]/value/value as cause,
    b_a/data[at0001]/items[at0002]/value/defining_code/code_string as cause_code,
    b_a/data[at0001]/items[at0002]/value/defining_code/terminology_id/value as cause_terminology,
    b_a/data[at0001]/items[at0009]/items[at0011]/value/value as reaction
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.adverse_reaction_list.v1]
contains EVALUATION b_a[openEHR-EHR-EVALUATION.adverse_reaction_risk.v1]`,
		},
		fields: []field{
			{name: "cause", path: []string{"cause"}, flat: "adverse_reaction_list/allergies_and_adverse_reactions/adverse_reaction_risk:0/causative_agent|value", required: true},
			{name: "causeCode", path: []string{"cause_code"}, flat: "adverse_reaction_list/allergies_and_adverse_reactions/adverse_reaction_risk:0/causative_agent|code"},
			{name: "causeTerminology", path: []string{"cause_terminology"}, flat: "adverse_reaction_list/allergies_and_adverse_reactions/adverse_reaction_risk:0/causative_agent|terminology"},
			{name: "reaction", path: []string{"reaction"}, flat: "adverse_reaction_list/allergies_and_adverse_reactions/adverse_reaction_risk:0/reaction_details/manifestation:0", required: true},
			{name: "author", path: []string{"author"}},
			{name: "dateCreated", path: []string{"date_created"}, kind: dateField},
		},
	}}
}

func (t *allergiesTransformer) ToNative(op Operation, payload map[string]any) (map[string]any, error) {
	return t.flatten(op, payload)
}
