// Package mds defines the data model shared by every layer of the Movesense
// session bridge:
//   - Device shapes (scanned and ready devices)
//   - The closed set of events a transport can emit (Event and its variants)
//   - Request methods and the success event each one resolves with
//   - The error taxonomy surfaced to callers
package mds
