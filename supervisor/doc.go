// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns every session of one node.
//
// A node has a single signaling channel. The Supervisor reads it,
// hands each envelope to the session it belongs to, broadcasts
// directory connectivity changes to all sessions, and turns inbound
// connect requests into host sessions once the Acceptor agrees. Events
// from every session are merged onto one bus for the host application.
//
// Close terminates every session, waits for each to free its
// resources, then disconnects signaling and closes the bus.
package supervisor
