package heading

import (
	"fmt"
	"strings"
)

type medicationsTransformer struct {
	base
}

var medicationRoutes = map[string]bool{
	"oral":          true,
	"intravenous":   true,
	"intramuscular": true,
	"subcutaneous":  true,
	"topical":       true,
	"inhalation":    true,
}

func newMedications() *medicationsTransformer {
	return &medicationsTransformer{base{
		heading:    Medications,
		templateID: "IDCR - Medication Statement List.v0",
		dateField:  "startDate",
		queries: map[Dialect]string{
			DialectAQL: `select
    a/uid/value as uid,
    a/composer/name as author,
    a/context/start_time/value as date_created,
    b_a/items[at0001]/value/value as name,
    b_a/items[at0001]/value/defining_code/code_string as medication_code,
    b_a/items[at0055]/value/value as dose_amount,
    b_a/items[at0044]/value/value as dose_timing,
    b_a/items[at0046]/value/value as route,
    b_a/items[at0018]/value/value as start_date
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.medication_list.v0]
contains INSTRUCTION b_a[openEHR-EHR-INSTRUCTION.medication_order.v1]`,
			DialectSQL: `SELECT CAST(m.PrescriptionID AS NVARCHAR(64)) AS uid, m.PrescribedBy AS author,
    m.PrescribedAt AS date_created, m.MedicationName AS name, m.ATCCode AS medication_code,
    m.Dosage AS dose_amount, m.Frequency AS dose_timing, m.Route AS route, m.PrescribedAt AS start_date
FROM dbo.Prescriptions m WHERE m.PatientID = @ehrId`,
		},
		fields: []field{
			{name: "name", path: []string{"name"}, flat: "medication_statement_list/medication_statement:0/medication_item/medication_name", required: true},
			{name: "medicationCode", path: []string{"medication_code"}, flat: "medication_statement_list/medication_statement:0/medication_item/medication_name|code"},
			{name: "doseAmount", path: []string{"dose_amount"}, flat: "medication_statement_list/medication_statement:0/medication_item/dose_amount_description", required: true},
			{name: "doseTiming", path: []string{"dose_timing"}, flat: "medication_statement_list/medication_statement:0/medication_item/dose_timing_description"},
			{name: "route", path: []string{"route"}, flat: "medication_statement_list/medication_statement:0/medication_item/route"},
			{name: "startDate", path: []string{"start_date"}, flat: "medication_statement_list/medication_statement:0/order_details/course_details/start_date", kind: dateField},
			{name: "author", path: []string{"author"}},
			{name: "dateCreated", path: []string{"date_created"}, kind: dateField},
		},
	}}
}

func (t *medicationsTransformer) ToNative(op Operation, payload map[string]any) (map[string]any, error) {
	if route, ok := payload["route"].(string); ok && route != "" {
		if !medicationRoutes[strings.ToLower(route)] {
			return nil, fmt.Errorf("%s: route %s is not recognised", t.heading, route)
		}
	}
	return t.flatten(op, payload)
}
