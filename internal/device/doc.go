// Package device holds the data model shared by the scan session, the registry
// and the per-peripheral connection machines.
//
// It provides:
//   - Peripheral, Service and Characteristic records with their lifecycle states
//   - Characteristic capability flags (Properties)
//   - UUID normalization helpers
//   - The structured *Error type and its Err* sentinels
package device
