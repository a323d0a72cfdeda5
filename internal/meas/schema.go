package meas

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/movesense/internal/mds"
)

// Schema names the payload shape a resource produces.
type Schema string

const (
	SchemaUnknown     Schema = ""
	SchemaHR          Schema = "HR"
	SchemaAcc         Schema = "Acc"
	SchemaGyro        Schema = "Gyro"
	SchemaMagn        Schema = "Magn"
	SchemaECG         Schema = "ECG"
	SchemaIMU6        Schema = "IMU6"
	SchemaIMU6m       Schema = "IMU6m"
	SchemaIMU9        Schema = "IMU9"
	SchemaSystemState Schema = "SystemState"
)

// SchemaFor resolves a resource URI to the shape of its notifications.
// Info and Config sub-resources have no measurement shape.
func SchemaFor(uri string) Schema {
	parts := strings.Split(strings.Trim(mds.ResourcePath(uri), "/"), "/")
	if len(parts) < 2 {
		return SchemaUnknown
	}
	if parts[len(parts)-1] == "Info" || parts[len(parts)-1] == "Config" {
		return SchemaUnknown
	}

	switch parts[0] {
	case "System":
		if parts[1] == "States" && len(parts) == 3 {
			return SchemaSystemState
		}
		return SchemaUnknown
	case "Meas":
	default:
		return SchemaUnknown
	}

	switch parts[1] {
	case "HR":
		if len(parts) == 2 {
			return SchemaHR
		}
	case "Acc":
		return rated(parts, SchemaAcc)
	case "Gyro":
		return rated(parts, SchemaGyro)
	case "Magn":
		return rated(parts, SchemaMagn)
	case "ECG":
		return rated(parts, SchemaECG)
	case "IMU6":
		return rated(parts, SchemaIMU6)
	case "IMU6m":
		return rated(parts, SchemaIMU6m)
	case "IMU9":
		return rated(parts, SchemaIMU9)
	}
	return SchemaUnknown
}

// rated accepts /Meas/<Kind>/<SampleRate>.
func rated(parts []string, s Schema) Schema {
	if len(parts) != 3 || parts[2] == "" {
		return SchemaUnknown
	}
	return s
}

// DecodeAs decodes data into the payload type of s. Data inside a
// Notification wrapper is unwrapped first.
func DecodeAs(s Schema, data string) (any, error) {
	var envelope struct {
		Body json.RawMessage `json:"Body"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err == nil && len(envelope.Body) > 0 {
		data = string(envelope.Body)
	}

	switch s {
	case SchemaHR:
		return Decode[HR](data)
	case SchemaAcc:
		return Decode[Acc](data)
	case SchemaGyro:
		return Decode[Gyro](data)
	case SchemaMagn:
		return Decode[Magn](data)
	case SchemaECG:
		return Decode[ECG](data)
	case SchemaIMU6:
		return Decode[IMU6](data)
	case SchemaIMU6m:
		return Decode[IMU6m](data)
	case SchemaIMU9:
		return Decode[IMU9](data)
	case SchemaSystemState:
		return Decode[SystemState](data)
	default:
		return nil, fmt.Errorf("no payload type for schema %q", s)
	}
}
