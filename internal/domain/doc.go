// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (errors.go, session.go, envelope.go, conn.go, etc.)
// with shared types and cross-cutting interfaces. Apart from envelope decoding and filter
// matching there is no implementation code here - just contracts.
package domain
