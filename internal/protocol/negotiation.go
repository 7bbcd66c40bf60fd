package protocol

// UnlockRequestEvent is delivered to the holder (TypeUnlockRequest) when a
// request is created, and to both parties (TypeUnlockRequestUpdate) whenever
// its status changes.
type UnlockRequestEvent struct {
	Request     UnlockRequest `json:"request"`
	Reservation *Reservation  `json:"reservation,omitempty"`
}

// ForceUnlockEvent is delivered to the holder and the privileged requester on
// every force-unlock transition.
type ForceUnlockEvent struct {
	Request ForceUnlockRequest `json:"request"`
	// Acquired is set when the requester received the Lock directly because
	// it was viewing the floor plan at completion.
	Acquired    bool         `json:"acquired,omitempty"`
	Reservation *Reservation `json:"reservation,omitempty"`
}
