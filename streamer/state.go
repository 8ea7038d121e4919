// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package streamer

// State is the publisher lifecycle state.
type State uint32

const (
	// Uninitialized is the state until the channel reports initialization.
	Uninitialized State = iota

	// Ready means the channel initialized and samples are being scheduled.
	Ready

	// Failed means initialization failed. The publisher never schedules a
	// sample in this state.
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
