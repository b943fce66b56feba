package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"gridhmm/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned stamps the current schema and codec versions.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeEstimate(e model.Estimate) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEstimate(data []byte) (model.Estimate, error) {
	var estimate model.Estimate
	if err := json.Unmarshal(data, &estimate); err != nil {
		return model.Estimate{}, err
	}
	if err := checkVersion(estimate.VersionedRecord); err != nil {
		return model.Estimate{}, err
	}
	return estimate, nil
}

func EncodeRestarts(records []model.RestartRecord) ([]byte, error) {
	return json.Marshal(records)
}

func DecodeRestarts(data []byte) ([]model.RestartRecord, error) {
	var records []model.RestartRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := checkVersion(record.VersionedRecord); err != nil {
			return nil, fmt.Errorf("restart %d: %w", record.Restart, err)
		}
	}
	return records, nil
}

func EncodeLikelihoodHistory(history []float64) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeLikelihoodHistory(data []byte) ([]float64, error) {
	var history []float64
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
