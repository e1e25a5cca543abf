package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
)

// MaxAmountExponent bounds the decimal exponent of an amount, in both directions.
// It is the magnitude range of DynamoDB numbers, and keeps the text form of any accepted amount short.
const MaxAmountExponent = 130

// ErrAmountOutOfRange is returned by FromValue for amounts whose exponent exceeds MaxAmountExponent.
var ErrAmountOutOfRange = errors.New("amount is out of range")

// Record is an invoice ("nota fiscal") as persisted in the key-value store.
type Record struct {
	ID        string          `mapstructure:"id"`
	Client    string          `mapstructure:"client"`
	Amount    decimal.Decimal `mapstructure:"amount"`
	IssueDate string          `mapstructure:"issue_date"`

	// Extra holds any field outside of the invoice schema, stored and returned verbatim.
	Extra map[string]any `mapstructure:",remain"`
}

// FromValue decodes a Value into a Record.
// It fails if the value does not pass Validate.
func FromValue(v Value) (Record, error) {
	if o := Validate(v); !o.Valid {
		return Record{}, errors.New(o.Reason)
	}

	var r Record
	decoder, err := mapstructure.NewDecoder(getDecoderConfig(&r))
	if err != nil {
		return Record{}, fmt.Errorf("failed to create decoder: %v", err)
	}
	if err := decoder.Decode(v.Interface()); err != nil {
		return Record{}, errors.Join(errors.New("record does not match expected model structure"), err)
	}
	if len(r.Extra) == 0 {
		r.Extra = nil
	}

	return r, nil
}

// Fields returns the record as a flat map of JSON compatible values, numbers being json.Number.
func (r Record) Fields() map[string]any {
	m := make(map[string]any, len(r.Extra)+4)
	for k, v := range r.Extra {
		m[k] = v
	}
	m[FieldID] = r.ID
	m[FieldClient] = r.Client
	m[FieldAmount] = json.Number(r.Amount.String())
	m[FieldIssueDate] = r.IssueDate
	return m
}

// MarshalJSON implements json.Marshaler.
// The amount is written as a bare JSON number without losing precision.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}

// UnmarshalJSON implements json.Unmarshaler, applying the same validation as ingestion.
func (r *Record) UnmarshalJSON(data []byte) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	rec, err := FromValue(v)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

func getDecoderConfig(target any) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			// Amounts are kept as their literal text until here so that no precision is lost.
			func(from reflect.Type, to reflect.Type, data any) (any, error) {
				if to != reflect.TypeOf(decimal.Decimal{}) {
					return data, nil
				}

				switch d := data.(type) {
				case json.Number:
					return parseAmount(d.String())
				case string:
					return parseAmount(d)
				case float64:
					return checkAmount(decimal.NewFromFloat(d))
				default:
					return data, nil
				}
			},
		),
		Result: target,
	}
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return checkAmount(d)
}

// checkAmount rejects amounts whose text form would grow with the exponent rather than with the input.
func checkAmount(d decimal.Decimal) (decimal.Decimal, error) {
	if e := d.Exponent(); e > MaxAmountExponent || e < -MaxAmountExponent {
		return decimal.Decimal{}, fmt.Errorf("%w: exponent %d is beyond ±%d", ErrAmountOutOfRange, e, MaxAmountExponent)
	}
	return d, nil
}
