package heading

type contactsTransformer struct {
	base
}

// Contacts carry no clinical date, so their records never enter the byDate index.
func newContacts() *contactsTransformer {
	return &contactsTransformer{base{
		heading:    Contacts,
		templateID: "IDCR - Relevant contacts.v0",
		queries: map[Dialect]string{
			DialectAQL: `select
    a/uid/value as uid,
    a/composer/name as author,
    b_a/items[at0002]/items[at0003]/value/value as name,
    b_a/items[at0002]/items[at0004]/value/value as relationship,
    b_a/items[at0002]/items[at0016]/value/value as contact_information,
    b_a/items[at0017]/value/value as notes,
    b_a/items[at0025]/value/value as next_of_kin
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.health_summary.v1]
contains CLUSTER b_a[openEHR-EHR-CLUSTER.individual_personal_uk.v1]`,
		},
		fields: []field{
			{name: "name", path: []string{"name"}, flat: "relevant_contacts_list/relevant_contacts:0/personal_details/personal_name", required: true},
			{name: "relationship", path: []string{"relationship"}, flat: "relevant_contacts_list/relevant_contacts:0/relationship"},
			{name: "contactInformation", path: []string{"contact_information"}, flat: "relevant_contacts_list/relevant_contacts:0/personal_details/contact_information"},
			{name: "notes", path: []string{"notes"}, flat: "relevant_contacts_list/relevant_contacts:0/notes"},
			{name: "nextOfKin", path: []string{"next_of_kin"}, flat: "relevant_contacts_list/relevant_contacts:0/next_of_kin"},
			{name: "author", path: []string{"author"}},
		},
	}}
}

func (t *contactsTransformer) ToNative(op Operation, payload map[string]any) (map[string]any, error) {
	out, err := t.flatten(op, payload)
	if err != nil {
		return nil, err
	}
	if nok, ok := payload["nextOfKin"].(bool); ok {
		out["relevant_contacts_list/relevant_contacts:0/next_of_kin"] = nok
	}
	return out, nil
}
