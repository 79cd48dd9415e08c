package ingest

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-sync/internal/storage"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestAppendKeysByRideAndRoundTrips(t *testing.T) {
	cw := &captureWriter{}
	k := &KafkaJournal{writer: cw}

	e := storage.Entry{ID: "e1", UserID: "u1", Kind: storage.KindRideExit, RideID: "R1", Payload: []byte(`{"reason":"finished"}`)}
	if err := k.Append(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if len(cw.msgs) != 1 || string(cw.msgs[0].Key) != "R1" {
		t.Fatalf("unexpected messages %+v", cw.msgs)
	}

	got, err := Decode(cw.msgs[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != storage.KindRideExit || got.RideID != "R1" || string(got.Payload) != `{"reason":"finished"}` {
		t.Fatalf("unexpected decoded entry %+v", got)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(kafka.Message{Value: []byte("nope")}); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Decode(kafka.Message{Value: []byte(`{"id":"x"}`)}); err == nil {
		t.Fatal("expected missing kind error")
	}
}
