package heading

import "fmt"

type problemsTransformer struct {
	base
}

func newProblems() *problemsTransformer {
	return &problemsTransformer{base{
		heading:    Problems,
		templateID: "IDCR Problem List.v1",
		dateField:  "dateOfOnset",
		queries: map[Dialect]string{
			DialectAQL: `select
    a/uid/value as uid,
    a/composer/name as author,
    a/context/start_time/value as date_created,
    b_a/data[at0001]/items[at0002]/value/value as problem,
    b_a/data[at0001]/items[at0002]/value/defining_code/code_string as problem_code,
    b_a/data[at0001]/items[at0002]/value/defining_code/terminology_id/value as problem_terminology,
    b_a/data[at0001]/items[at0077]/value/value as onset_date,
    b_a/data[at0001]/items[at0009]/value/value as description
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.problem_list.v1]
contains EVALUATION b_a[openEHR-EHR-EVALUATION.problem_diagnosis.v1]
where a/name/value='Problem list'`,
			DialectSQL: `SELECT CAST(d.DiagnosisID AS NVARCHAR(64)) AS uid, d.DiagnosedBy AS author,
    d.DiagnosedAt AS date_created, d.Description AS problem, d.ICD10Code AS problem_code,
    'ICD-10' AS problem_terminology, d.DiagnosedAt AS onset_date, d.Notes AS description
FROM dbo.Diagnoses d WHERE d.PatientID = @ehrId`,
		},
		fields: []field{
			{name: "problem", path: []string{"problem"}, flat: "problems_and_issues/problem_diagnosis:0/problem_diagnosis_name|value", required: true},
			{name: "code", path: []string{"problem_code"}, flat: "problems_and_issues/problem_diagnosis:0/problem_diagnosis_name|code"},
			{name: "terminology", path: []string{"problem_terminology"}, flat: "problems_and_issues/problem_diagnosis:0/problem_diagnosis_name|terminology"},
			{name: "dateOfOnset", path: []string{"onset_date"}, flat: "problems_and_issues/problem_diagnosis:0/date_of_onset", kind: dateField},
			{name: "description", path: []string{"description"}, flat: "problems_and_issues/problem_diagnosis:0/clinical_description"},
			{name: "author", path: []string{"author"}},
			{name: "dateCreated", path: []string{"date_created"}, kind: dateField},
		},
	}}
}

func (t *problemsTransformer) ToNative(op Operation, payload map[string]any) (map[string]any, error) {
	out, err := t.flatten(op, payload)
	if err != nil {
		return nil, err
	}
	// A coded problem without a terminology is stored as SNOMED-CT
	if _, coded := out["problems_and_issues/problem_diagnosis:0/problem_diagnosis_name|code"]; coded {
		if _, ok := out["problems_and_issues/problem_diagnosis:0/problem_diagnosis_name|terminology"]; !ok {
			out["problems_and_issues/problem_diagnosis:0/problem_diagnosis_name|terminology"] = "SNOMED-CT"
		}
	}
	if op == OperationCreate {
		if _, ok := out["problems_and_issues/problem_diagnosis:0/date_of_onset"]; !ok {
			return nil, fmt.Errorf("%s: dateOfOnset must be defined", t.heading)
		}
	}
	return out, nil
}
