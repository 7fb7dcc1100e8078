package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/driver-presence/internal/models"
)

func sampleRecord() models.DriverPresence {
	return models.DriverPresence{
		DriverID:       "d1",
		DriverNumber:   "KA-01-1234",
		Name:           "Asha",
		VehicleModel:   "Swift",
		VehicleNumber:  "KA01AB1234",
		DriverPhoto:    "https://cdn.example.com/d1.jpg",
		Rating:         4.7,
		CancelledRides: 2,
		StripeID:       "acct_123",
		StripeLinkURL:  "https://connect.stripe.com/setup/x",
		SessionStart:   time.Unix(1700000000, 0),
		LastSeen:       time.Unix(1700000060, 0),
	}
}

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	in := sampleRecord()
	fields := encodeRecord(in)
	asStrings := make(map[string]string, len(fields))
	for k, v := range fields {
		asStrings[k] = v.(string)
	}
	out, err := decodeRecord(asStrings)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.DriverID != in.DriverID || out.Name != in.Name || out.Rating != in.Rating ||
		out.CancelledRides != in.CancelledRides || !out.SessionStart.Equal(in.SessionStart) ||
		!out.LastSeen.Equal(in.LastSeen) {
		t.Fatalf("round trip mismatch: got %+v", out)
	}
}

func TestDecodeRecordRejectsCorruptFields(t *testing.T) {
	base := func() map[string]string {
		fields := encodeRecord(sampleRecord())
		out := make(map[string]string, len(fields))
		for k, v := range fields {
			out[k] = v.(string)
		}
		return out
	}

	missing := base()
	delete(missing, "driverId")
	missing["driverId"] = ""
	if _, err := decodeRecord(missing); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord for missing driverId, got %v", err)
	}

	badRating := base()
	badRating["rating"] = "not-a-number"
	if _, err := decodeRecord(badRating); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord for bad rating, got %v", err)
	}

	badSession := base()
	badSession["sessionStart"] = "yesterday"
	if _, err := decodeRecord(badSession); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord for bad sessionStart, got %v", err)
	}
}

func TestMemoryRecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRecords(time.UTC)

	if _, ok, _ := m.Get(ctx, "d1"); ok {
		t.Fatal("expected absent before upsert")
	}
	p := sampleRecord()
	if err := m.Upsert(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, ok, err := m.Get(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("get after upsert: ok=%v err=%v", ok, err)
	}
	if got.Name != p.Name || got.Rating != p.Rating {
		t.Fatalf("unexpected record: %+v", got)
	}
	if err := m.Remove(ctx, "d1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "d1"); ok {
		t.Fatal("expected absent after remove")
	}
}

func TestMemoryRecordsDailyExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRecords(time.UTC)
	current := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	if err := m.Upsert(ctx, sampleRecord()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "d1"); !ok {
		t.Fatal("expected present before midnight")
	}

	current = time.Date(2024, 6, 2, 0, 0, 1, 0, time.UTC)
	if _, ok, _ := m.Get(ctx, "d1"); ok {
		t.Fatal("expected expired after local midnight")
	}
}

func TestWrapErrClassification(t *testing.T) {
	if WrapErr(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if !errors.Is(WrapErr(context.DeadlineExceeded), ErrTimeout) {
		t.Fatal("deadline exceeded must classify as timeout")
	}
	if !errors.Is(WrapErr(errors.New("connection refused")), ErrUnavailable) {
		t.Fatal("plain faults must classify as unavailable")
	}
}
