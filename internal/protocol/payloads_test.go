package protocol

import (
	"encoding/json"
	"testing"

	"github.com/example/ride-sync/internal/models"
)

func TestRideRefNestedID(t *testing.T) {
	var ref RideRef
	if err := json.Unmarshal([]byte(`{"ride":{"id":"r9","status":"START"}}`), &ref); err != nil {
		t.Fatal(err)
	}
	if ref.ID() != "r9" {
		t.Fatalf("expected nested id r9, got %q", ref.ID())
	}

	ref = RideRef{RideID: "direct", Ride: &models.Ride{ID: "nested"}}
	if ref.ID() != "direct" {
		t.Fatalf("direct id should win, got %q", ref.ID())
	}
}

func TestRidePatchLeavesUnsetFields(t *testing.T) {
	base := models.Ride{ID: "r1", Status: models.StatusStart, Fare: 12.5, Passengers: 2}
	code := "4821"
	st := models.StatusArrived
	out := RidePatch{RideID: "r1", Status: &st, VerificationCode: &code}.Apply(base)

	if out.Status != models.StatusArrived {
		t.Fatalf("status not applied: %s", out.Status)
	}
	if out.VerificationCode == nil || *out.VerificationCode != "4821" {
		t.Fatal("verification code not applied")
	}
	if out.Fare != 12.5 || out.Passengers != 2 {
		t.Fatalf("unset fields changed: %+v", out)
	}
	if base.VerificationCode != nil {
		t.Fatal("patch mutated the base ride")
	}
}

func TestRejectionCodes(t *testing.T) {
	if !IsRejection(CodeOfferTaken) {
		t.Fatal("offer_taken should be a rejection")
	}
	if IsRejection("") || IsRejection("internal") {
		t.Fatal("generic codes must not be rejections")
	}
}
