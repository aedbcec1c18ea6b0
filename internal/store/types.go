package store

import (
	"fmt"

	"irrigation-registry-backend/internal/apperr"
)

// Field is a numeric reading column that can be averaged.
type Field string

const (
	FieldTemperature  Field = "temperature"
	FieldHumidity     Field = "humidity"
	FieldSoilMoisture Field = "soil_moisture"
)

// Fields lists every averageable field in report order.
var Fields = []Field{FieldTemperature, FieldHumidity, FieldSoilMoisture}

// ParseField accepts the column name or its camelCase JSON name.
func ParseField(raw string) (Field, error) {
	switch raw {
	case "temperature":
		return FieldTemperature, nil
	case "humidity":
		return FieldHumidity, nil
	case "soil_moisture", "soilMoisture":
		return FieldSoilMoisture, nil
	}
	return "", fmt.Errorf("%w: unknown field %q", apperr.ErrInvalidArgument, raw)
}

// Aggregate is an average together with the number of samples behind it.
type Aggregate struct {
	Value float64 `json:"value"`
	Count int64   `json:"count"`
}
