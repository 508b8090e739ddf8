package model

import (
	"reflect"
	"testing"
)

func TestDispatchRequest_NormalizeKeepsBody(t *testing.T) {
	r := DispatchRequest{
		PhoneNumberID:   " PN1 ",
		From:            "\t+1555 ",
		To:              " 15550001",
		Token:           "wa ",
		MessageTemplate: "  Hello,\n  see you at 9.\n",
	}.Normalize()

	if r.PhoneNumberID != "PN1" || r.From != "+1555" || r.To != "15550001" || r.Token != "wa" {
		t.Fatalf("expected trimmed identifiers, got %+v", r)
	}
	if r.MessageTemplate != "  Hello,\n  see you at 9.\n" {
		t.Fatalf("expected body unchanged, got %q", r.MessageTemplate)
	}
}

func TestDispatchRequest_Missing(t *testing.T) {
	got := DispatchRequest{From: "+1555", MessageTemplate: " \n "}.Normalize().Missing()
	want := []string{"PhoneNumberID", "to", "token", "MessageTemplate"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
