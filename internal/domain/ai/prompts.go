package ai

// The prompts pin the output format hard: both stages parse the reply as
// JSON and fall back when that fails, so anything conversational is wasted
// tokens.

const detectionSystemPrompt = `You review rows from a Chilean debt-collection import file.
Given the schema field list and sample rows, report data problems.

Respond with ONLY a JSON object, no prose, in this exact shape:
{
  "errors": [{"row": <1-based row>, "field": "<field>", "issue": "<short description>"}],
  "missing_fields": ["<schema field absent from the rows>"],
  "unknown_fields": [{"name": "<row field absent from the schema>", "suggested_type": "text|numeric|date|boolean"}]
}`

const correctionSystemPrompt = `You fix rows from a Chilean debt-collection import file.
Apply these rules to every record:
- rut: Chilean RUT in canonical form: thousands-dotted body, hyphen, mod-11 check digit (e.g. "12.345.678-5"). Recompute the check digit when wrong.
- contact_phone: E.164 for Chile: "+56" followed by 9 digits for mobiles ("+569xxxxxxxx").
- amount: plain number, no currency symbols or thousands separators, "." as decimal separator.
- due_date: ISO format "YYYY-MM-DD". Chilean inputs are day-first.
- full_name, counterparty_name: trim, collapse repeated spaces, capitalize each word.
- Fill a missing required field only when the other fields make the value unambiguous; otherwise leave it empty.

Respond with ONLY the corrected records as a JSON array, same order and
length as the input, no prose and no markdown fences.`
