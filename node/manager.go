// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/pkdtree/blunder"
	"github.com/NVIDIA/pkdtree/layout"
)

// DefaultMaxTrackedNodes is the number of nodes one tree operation may
// back up.
const DefaultMaxTrackedNodes = 8

// UpdateManager keeps byte copies of the nodes an in-place mutation may
// leave half done, so they can be restored exactly.
//
// Usage:
//
//   manager.Add(n)                // before mutating n
//   err = mutate(n)
//   if blunder.Is(err, blunder.CapacityError) {
//       manager.Rollback()        // n is byte-identical to the Add() copy
//   } else {
//       manager.Commit()
//   }
//
type UpdateManager struct {
	maxTracked int
	backups    []backupStruct
}

type backupStruct struct {
	node  *Node
	bytes []byte
	hash  uint64
}

// Add records a copy of n. Adding a node twice keeps the first copy.
func (manager *UpdateManager) Add(n *Node) (err error) {
	for _, backup := range manager.backups {
		if backup.node == n {
			err = nil
			return
		}
	}

	if len(manager.backups) >= manager.maxTracked {
		err = blunder.NewError(blunder.CapacityError, "UpdateManager already tracks %d nodes", manager.maxTracked)
		return
	}

	copied := append([]byte(nil), n.buf...)

	manager.backups = append(manager.backups, backupStruct{
		node:  n,
		bytes: copied,
		hash:  cityhash.Hash64(copied),
	})

	stats.Backups.Increment()
	stats.BackupBytes.Add(uint64(len(copied)))

	err = nil
	return
}

// Len returns the number of tracked nodes.
func (manager *UpdateManager) Len() int {
	return len(manager.backups)
}

// Rollback restores every tracked node, most recent first, and stops
// tracking them. A node whose bytes still hash to its backup is left as is.
// A node that was enlarged meanwhile keeps its larger buffer with the old
// contents at its start.
func (manager *UpdateManager) Rollback() (err error) {
	for i := len(manager.backups) - 1; i >= 0; i-- {
		backup := manager.backups[i]
		n := backup.node

		if (len(n.buf) == len(backup.bytes)) && (cityhash.Hash64(n.buf) == backup.hash) {
			stats.RollbackSkips.Increment()
			continue
		}

		if len(n.buf) < len(backup.bytes) {
			n.buf = make([]byte, len(backup.bytes))
		}
		copy(n.buf, backup.bytes)
		for pos := len(backup.bytes); pos < len(n.buf); pos++ {
			n.buf[pos] = 0
		}

		enlarged := len(n.buf) > len(backup.bytes)

		header, headerErr := layout.UnmarshalNodeHeaderV1(n.buf)
		if nil != headerErr {
			err = blunder.AddError(headerErr, blunder.CorruptLayoutError)
			return
		}
		n.flags = header.Flags

		err = n.rebind()
		if nil != err {
			return
		}

		if enlarged {
			err = n.Enlarge(n.buf)
			if nil != err {
				return
			}
		}
	}

	stats.Rollbacks.Increment()

	manager.backups = manager.backups[:0]

	err = nil
	return
}

// Commit stops tracking every node.
func (manager *UpdateManager) Commit() {
	manager.backups = manager.backups[:0]
}
