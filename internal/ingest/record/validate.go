package record

import (
	"fmt"
	"strings"
)

// Required record fields, in the order they are reported.
const (
	FieldID        = "id"
	FieldClient    = "client"
	FieldAmount    = "amount"
	FieldIssueDate = "issue_date"
)

var requiredFields = []string{FieldID, FieldClient, FieldAmount, FieldIssueDate}

// Outcome is the verdict of Validate on a single record.
type Outcome struct {
	Valid  bool
	Reason string
}

func invalid(format string, args ...any) Outcome {
	return Outcome{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks that v has the shape of an invoice record.
//
// The issue date is only checked to be a string.
func Validate(v Value) Outcome {
	if v.Kind != KindObject {
		return invalid("record is not a JSON object, got %s", v.Kind)
	}

	var missing []string
	for _, f := range requiredFields {
		if _, ok := v.Object[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return invalid("missing required fields: %s", strings.Join(missing, ", "))
	}

	for _, f := range []string{FieldID, FieldClient, FieldIssueDate} {
		if k := v.Object[f].Kind; k != KindString {
			return invalid("field %q must be a string, got %s", f, k)
		}
	}

	if v.Object[FieldID].String == "" {
		return invalid("field %q must not be empty", FieldID)
	}

	if k := v.Object[FieldAmount].Kind; k != KindNumber {
		return invalid("field %q must be numeric, got %s", FieldAmount, k)
	}

	return Outcome{Valid: true, Reason: "valid"}
}
