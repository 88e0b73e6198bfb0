package screening

// ResultJSONSchema pins the shape of the result_json column. Consumers of the
// search and job-polling endpoints parse this structure; the contract test
// validates every verdict the engine can produce against it.
const ResultJSONSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "ScreeningResult",
  "type": "object",
  "required": [
    "status", "risk_level", "confidence", "score",
    "is_sanctioned", "is_pep", "top_matches", "check_summary"
  ],
  "properties": {
    "status": {
      "enum": [
        "Cleared",
        "Fail Sanction",
        "Fail PEP",
        "Fail Sanction & PEP",
        "Cleared - False Positive"
      ]
    },
    "risk_level": {
      "enum": ["Cleared", "Low", "Medium", "Medium Risk", "High Risk"]
    },
    "confidence": {
      "enum": ["Very High", "High", "Medium", "Low", "Manual Review"]
    },
    "score": {"type": "number", "minimum": 0, "maximum": 100},
    "is_sanctioned": {"type": "boolean"},
    "is_pep": {"type": "boolean"},
    "sanctions_name": {"type": "string"},
    "birth_date": {"type": "string"},
    "regime": {"type": "string"},
    "top_matches": {
      "type": "array",
      "maxItems": 10,
      "items": {
        "type": "object",
        "required": ["name", "score"],
        "properties": {
          "name": {"type": "string"},
          "score": {"type": "number", "minimum": 0, "maximum": 100}
        }
      }
    },
    "check_summary": {
      "type": "object",
      "required": ["status", "source", "date"],
      "properties": {
        "status": {"type": "string"},
        "source": {"type": "string"},
        "date": {"type": "string"}
      }
    },
    "manual_override": {
      "type": "object",
      "required": ["actor", "previous_status", "at"],
      "properties": {
        "actor": {"type": "string"},
        "reason": {"type": "string"},
        "previous_status": {"type": "string"},
        "at": {"type": "string"},
        "uk_hash": {"type": "string"}
      }
    }
  }
}`
