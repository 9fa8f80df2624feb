package cel

// FilterExpressionExamples are operation filters accepted by river.filter.
var FilterExpressionExamples = map[string]string{
	"skip_deletes":      `action != "delete"`,
	"single_index":      `index == "orders"`,
	"index_prefix":      `index.startsWith("logs-")`,
	"type_in_list":      `doc_type in ["order", "invoice"]`,
	"id_pattern":        `id.matches("^[0-9]+$")`,
	"document_field":    `has(doc.status) && doc.status == "active"`,
	"nested_field":      `has(doc.user) && doc.user.tier == "premium"`,
	"numeric_threshold": `action == "delete" || (has(doc.amount) && doc.amount > 100.0)`,
	"update_payload":    `action != "update" || has(doc.doc)`,
}
