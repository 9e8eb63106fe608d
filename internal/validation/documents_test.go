package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperengineering/possync/internal/types"
)

func newDocumentValidator(t *testing.T) *DocumentValidator {
	t.Helper()
	v, err := NewDocumentValidator()
	if err != nil {
		t.Fatalf("NewDocumentValidator failed: %v", err)
	}
	return v
}

func TestDocumentValidator_ValidInvoice(t *testing.T) {
	v := newDocumentValidator(t)
	doc := json.RawMessage(`{
		"offline_id": "0192f3a4-5b6c-7d8e-9f01-23456789abcd",
		"customer": "Walk-in Customer",
		"posting_date": "2026-10-18",
		"items": [{"item_code": "SKU-1", "qty": 2, "rate": 4.5}],
		"payments": [{"mode_of_payment": "Cash", "amount": 9}],
		"grand_total": 9
	}`)
	if errs := v.Validate(types.KindInvoice, doc); errs != nil {
		t.Errorf("Validate() = %v, want nil", errs)
	}
}

func TestDocumentValidator_InvalidInvoice(t *testing.T) {
	v := newDocumentValidator(t)
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"missing customer", `{"posting_date":"2026-10-18","items":[{"item_code":"A","qty":1,"rate":1}],"grand_total":1}`, ""},
		{"no items", `{"customer":"C","posting_date":"2026-10-18","items":[],"grand_total":1}`, "/items"},
		{"negative rate", `{"customer":"C","posting_date":"2026-10-18","items":[{"item_code":"A","qty":1,"rate":-1}],"grand_total":1}`, "/items/0/rate"},
		{"bad date", `{"customer":"C","posting_date":"18/10/2026","items":[{"item_code":"A","qty":1,"rate":1}],"grand_total":1}`, "/posting_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Validate(types.KindInvoice, json.RawMessage(tt.doc))
			if len(errs) == 0 {
				t.Fatal("Validate() = nil, want errors")
			}
			if tt.field == "" {
				return
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for %s in %v", tt.field, errs)
			}
		})
	}
}

func TestDocumentValidator_Payment(t *testing.T) {
	v := newDocumentValidator(t)

	ok := json.RawMessage(`{"party":"C-001","mode_of_payment":"Card","paid_amount":12.5,"posting_date":"2026-10-18"}`)
	if errs := v.Validate(types.KindPayment, ok); errs != nil {
		t.Errorf("Validate(valid payment) = %v", errs)
	}

	zero := json.RawMessage(`{"party":"C-001","mode_of_payment":"Card","paid_amount":0,"posting_date":"2026-10-18"}`)
	errs := v.Validate(types.KindPayment, zero)
	if len(errs) == 0 {
		t.Fatal("zero paid_amount accepted")
	}
	if !strings.Contains(Summary(errs), "/paid_amount") {
		t.Errorf("Summary() = %q, want mention of /paid_amount", Summary(errs))
	}
}

func TestDocumentValidator_UnknownKindAndBadJSON(t *testing.T) {
	v := newDocumentValidator(t)
	if errs := v.Validate("quotation", json.RawMessage(`{}`)); len(errs) != 1 || errs[0].Field != "kind" {
		t.Errorf("unknown kind errors = %v", errs)
	}
	if errs := v.Validate(types.KindInvoice, json.RawMessage(`{`)); len(errs) != 1 || errs[0].Field != "document" {
		t.Errorf("bad JSON errors = %v", errs)
	}
}
