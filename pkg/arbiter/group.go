// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package arbiter

// Group tags timers scheduled on the arbiter goroutine.
type Group uint8

const (
	GroupInvalid    Group = 0
	GroupRetransmit Group = 1
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "invalid"
	case GroupRetransmit:
		return "retransmit"
	default:
		return "unknown"
	}
}
