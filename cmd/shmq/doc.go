// Package main hosts the shmq CLI entrypoint and command graph.
//
// The Cobra command tree runs the host daemon in the foreground, manages a
// background daemon over its control socket, inspects live channels,
// segments and textures, and probes the data plane with a real client round
// trip. Configuration resolution and socket discovery live in the command
// context so subcommands stay declarative.
package main
