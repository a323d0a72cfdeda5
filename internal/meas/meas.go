// Package meas holds the payload shapes of the Movesense measurement and
// system-state resources. Notification data is delivered raw by the session;
// callers that want typed values decode it with Decode.
package meas

import (
	"encoding/json"
	"fmt"
)

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Timestamp is the device-relative timestamp in milliseconds carried by most payloads.
type Timestamp struct {
	Timestamp uint32 `json:"Timestamp"`
}

// HR is /Meas/HR.
type HR struct {
	Average float64   `json:"average"`
	RRData  []float64 `json:"rrData"`
}

// Acc is /Meas/Acc/{SampleRate}.
type Acc struct {
	ArrayAcc []Vec3 `json:"ArrayAcc"`
	Timestamp
}

// Gyro is /Meas/Gyro/{SampleRate}.
type Gyro struct {
	ArrayGyro []Vec3 `json:"ArrayGyro"`
	Timestamp
}

// Magn is /Meas/Magn/{SampleRate}.
type Magn struct {
	ArrayMagn []Vec3 `json:"ArrayMagn"`
	Timestamp
}

// ECG is /Meas/ECG/{RequiredSampleRate}.
type ECG struct {
	Samples []int32 `json:"Samples"`
	Timestamp
}

// IMU6 combines accelerometer and gyroscope.
type IMU6 struct {
	ArrayAcc  []Vec3 `json:"ArrayAcc"`
	ArrayGyro []Vec3 `json:"ArrayGyro"`
	Timestamp
}

// IMU6m combines accelerometer and magnetometer.
type IMU6m struct {
	ArrayAcc  []Vec3 `json:"ArrayAcc"`
	ArrayMagn []Vec3 `json:"ArrayMagn"`
	Timestamp
}

type IMU9 struct {
	ArrayAcc  []Vec3 `json:"ArrayAcc"`
	ArrayGyro []Vec3 `json:"ArrayGyro"`
	ArrayMagn []Vec3 `json:"ArrayMagn"`
	Timestamp
}

// Notification is the wrapper some firmware puts around pushed bodies.
type Notification[T any] struct {
	Body    T      `json:"Body"`
	URI     string `json:"Uri"`
	Methods string `json:"Methods"`
}

// Payload is the set of shapes Decode understands.
type Payload interface {
	HR | Acc | Gyro | Magn | ECG | IMU6 | IMU6m | IMU9 | SystemState
}

// Decode parses notification or response data into T.
func Decode[T Payload](data string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// DecodeWrapped parses data that arrives inside a Notification wrapper.
func DecodeWrapped[T Payload](data string) (Notification[T], error) {
	var n Notification[T]
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return n, fmt.Errorf("decode wrapped %T: %w", n.Body, err)
	}
	return n, nil
}
