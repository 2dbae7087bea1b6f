// Package texstore holds the textures that UPDATE_TEXTURE2D requests land in.
//
// Both stores implement msgqueue.ResourceSink. MemoryStore keeps level data
// in process memory; SQLiteStore persists texture definitions and level blobs
// in a SQLite database so the last uploaded image survives a daemon restart.
//
// A texture is a width × height image with a pixel format and a mip chain.
// Apply accepts a write only when the texture exists, the level is inside the
// chain and the payload is exactly that level's byte size. Schema changes bump
// schemaVersion in schema.go; users delete the database to adopt a new schema.
package texstore
