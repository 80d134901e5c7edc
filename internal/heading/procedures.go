package heading

type proceduresTransformer struct {
	base
}

func newProcedures() *proceduresTransformer {
	return &proceduresTransformer{base{
		heading:    Procedures,
		templateID: "IDCR Procedures List.v0",
		dateField:  "date",
		queries: map[Dialect]string{
			DialectAQL: `select
    a/uid/value as uid,
    a/composer/name as author,
    a/context/start_time/value as date_created,
    b_a/description[at0001]/items[at0002]/value/value as procedure_name,
    b_a/description[at0001]/items[at0002]/value/defining_code/code_string as procedure_code,
    b_a/description[at0001]/items[at0002]/value/defining_code/terminology_id/value as procedure_terminology,
    b_a/description[at0001]/items[at0049]/value/value as procedure_notes,
    b_a/other_participations/performer/name as performer,
    b_a/time/value as procedure_datetime,
    b_a/ism_transition/current_state/value as status
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.health_summary.v1]
contains ACTION b_a[openEHR-EHR-ACTION.procedure.v1]`,
			DialectSQL: `SELECT CAST(p.ProcedureID AS NVARCHAR(64)) AS uid, p.PerformedBy AS author,
    p.PerformedAt AS date_created, p.Description AS procedure_name, p.Code AS procedure_code,
    p.CodeSystem AS procedure_terminology, p.Notes AS procedure_notes, p.PerformedBy AS performer,
    p.PerformedAt AS procedure_datetime, 'completed' AS status
FROM dbo.Procedures p WHERE p.PatientID = @ehrId`,
		},
		fields: []field{
			{name: "name", path: []string{"procedure_name"}, flat: "procedures_list/procedures_list:0/procedure:0/procedure_name|value", required: true},
			{name: "code", path: []string{"procedure_code"}, flat: "procedures_list/procedures_list:0/procedure:0/procedure_name|code"},
			{name: "terminology", path: []string{"procedure_terminology"}, flat: "procedures_list/procedures_list:0/procedure:0/procedure_name|terminology"},
			{name: "notes", path: []string{"procedure_notes"}, flat: "procedures_list/procedures_list:0/procedure:0/procedure_notes"},
			{name: "performer", path: []string{"performer"}, flat: "procedures_list/procedures_list:0/procedure:0/_other_participation:0|name"},
			{name: "date", path: []string{"procedure_datetime"}, flat: "procedures_list/procedures_list:0/procedure:0/time", kind: dateField, required: true},
			{name: "status", path: []string{"status"}, flat: "procedures_list/procedures_list:0/procedure:0/ism_transition/current_state|value"},
			{name: "author", path: []string{"author"}},
			{name: "dateCreated", path: []string{"date_created"}, kind: dateField},
		},
	}}
}

func (t *proceduresTransformer) ToNative(op Operation, payload map[string]any) (map[string]any, error) {
	out, err := t.flatten(op, payload)
	if err != nil {
		return nil, err
	}
	if op == OperationCreate {
		if _, ok := out["procedures_list/procedures_list:0/procedure:0/ism_transition/current_state|value"]; !ok {
			out["procedures_list/procedures_list:0/procedure:0/ism_transition/current_state|value"] = "completed"
		}
	}
	return out, nil
}
