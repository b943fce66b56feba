package storage

import (
	"errors"
	"testing"

	"gridhmm/internal/model"
)

func TestEstimateCodecRoundTrip(t *testing.T) {
	input := sampleEstimate("run-7")
	payload, err := EncodeEstimate(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	output, err := DecodeEstimate(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if output.RunID != "run-7" || len(output.Cells) != 2 || output.Cells[1].Transitions[0].Col != 0 {
		t.Fatalf("unexpected decoded estimate: %+v", output)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	input := sampleEstimate("run-1")
	input.SchemaVersion = CurrentSchemaVersion + 1
	payload, err := EncodeEstimate(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeEstimate(payload); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}

	restarts := []model.RestartRecord{{Restart: 3}}
	payload, err = EncodeRestarts(restarts)
	if err != nil {
		t.Fatalf("encode restarts: %v", err)
	}
	if _, err := DecodeRestarts(payload); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestLikelihoodHistoryCodec(t *testing.T) {
	payload, err := EncodeLikelihoodHistory([]float64{-3, -2.5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	history, err := DecodeLikelihoodHistory(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history) != 2 || history[1] != -2.5 {
		t.Fatalf("unexpected history: %v", history)
	}
}
