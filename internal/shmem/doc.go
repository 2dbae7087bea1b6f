// Package shmem holds the operating-system shared-memory primitives the
// registry builds on: anonymous memfd regions, shared mappings, descriptor
// duplication for transfer and size inspection.
package shmem
