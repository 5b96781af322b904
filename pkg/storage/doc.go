// Package storage provides utilities shared across run store
// implementations, including sentinel errors and tenant context helpers.
//
// Stores (memory, postgres) implement the transport.RunStore interface
// defined in pkg/transport/handler.go.
package storage
