package model

import (
	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
	"github.com/nrednav/cuid2"
)

func CreateID() string {
	uuid, _ := uuid.NewRandom()
	return base58.Encode(uuid[:])
}

// NewTempID generates the client-side correlation id for an optimistic
// message. It doubles as the idempotency key for the corresponding
// NEW_MESSAGE broadcast and MESSAGE_SENT confirmation.
func NewTempID() string {
	return "tmp_" + cuid2.Generate()
}
