// Package telemetry records terminal operating metrics in InfluxDB.
//
// Usage intervals, relay faults, and authentication outcomes are written
// as batched, non-blocking points. Telemetry is optional: when disabled
// in configuration the terminal runs with a nil client and every write
// helper becomes a no-op.
package telemetry
