// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the relay orchestration core of chatrelay.
//
// Every bridged service is reached through an [Adapter]. Native events are
// normalized by the service loops (see pkg/connector) into [FullMessage] and
// [ChatIdentity] values and pushed into the [Engine], which decides what to
// send, edit, delete or thread-reply on the other side of a [RoomPairing].
//
// # Core Types
//
// [Engine] is the orchestrator. It consults the room pairings, the
// [ReplyResolver] and the [PersonaManager], calls the destination adapter and
// records the outcome in a [CorrelationStore].
//
// [CorrelationStore] is the durable source -> target index of relayed
// messages. A target has at most one origin; a source may fan out to many
// targets. The SQL implementation lives in pkg/relaydb.
//
// [PersonaManager] turns a remote author into a destination identity. For
// adapters that attribute authorship per message it only formats a display
// string; for [PuppetAdapter] implementations it provisions and syncs a
// standing account per remote author.
//
// [AdapterContext] holds the adapters constructed at startup. It replaces
// process-wide connection globals and refuses lookups until it is marked
// ready.
//
// # Loop Prevention
//
// Service loops drop events authored by the bridge itself. The engine adds a
// second layer: a create whose identity is already a recorded mirror, or which
// was already relayed, is not relayed again.
package relay
