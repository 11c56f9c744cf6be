// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the concepts shared by every part of the agent: unit
identity and phases, lifecycle events, workload status, credentials and
the locks that serialize topology changes.

Subpackages of core must not import anything outside core, and must not
know how state is stored or transported. In particular:

  - nothing here talks to mysqld, Pebble or Kubernetes
  - nothing here reads or writes the peer databag
*/
package core
