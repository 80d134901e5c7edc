package heading

import "fmt"

type vaccinationsTransformer struct {
	base
}

func newVaccinations() *vaccinationsTransformer {
	return &vaccinationsTransformer{base{
		heading:    Vaccinations,
		templateID: "IDCR - Immunisation summary.v0",
		dateField:  "vaccinationDateTime",
		queries: map[Dialect]string{
			DialectAQL: `select
    a/uid/value as uid,
    a/composer/name as author,
    a/context/start_time/value as date_created,
    b_a/description[at0017]/items[at0020]/value/value as vaccination_name,
    b_a/description[at0017]/items[at0020]/value/defining_code/code_string as vaccination_code,
    b_a/description[at0017]/items[at0025]/value/value as comment,
    b_a/description[at0017]/items[at0164]/value/magnitude as series_number,
    b_a/time/value as vaccination_time
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.health_summary.v1]
contains ACTION b_a[openEHR-EHR-ACTION.immunisation_procedure.v1]`,
		},
		fields: []field{
			{name: "vaccinationName", path: []string{"vaccination_name"}, flat: "immunisation_summary/immunisation_procedure:0/immunisation_name", required: true},
			{name: "code", path: []string{"vaccination_code"}, flat: "immunisation_summary/immunisation_procedure:0/immunisation_name|code"},
			{name: "comment", path: []string{"comment"}, flat: "immunisation_summary/immunisation_procedure:0/comment"},
			{name: "seriesNumber", path: []string{"series_number"}, flat: "immunisation_summary/immunisation_procedure:0/series_number", kind: numberField},
			{name: "vaccinationDateTime", path: []string{"vaccination_time"}, flat: "immunisation_summary/immunisation_procedure:0/time", kind: dateField, required: true},
			{name: "author", path: []string{"author"}},
			{name: "dateCreated", path: []string{"date_created"}, kind: dateField},
		},
	}}
}

func (t *vaccinationsTransformer) ToNative(op Operation, payload map[string]any) (map[string]any, error) {
	if series, ok := payload["seriesNumber"]; ok {
		n, ok := series.(float64)
		if !ok || n < 1 || n != float64(int(n)) {
			return nil, fmt.Errorf("%s: seriesNumber must be a positive whole number", t.heading)
		}
	}
	return t.flatten(op, payload)
}
