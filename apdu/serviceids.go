package apdu

// Service choice numbers, Clause 21's confirmed/unconfirmed service
// tables. Only the subset this stack's object/COV/client layers
// exercise is named; the rest of the catalogue is out of scope per
// spec.md's "illustrative handful" Non-goal.
const (
	ServiceConfirmedCOVNotification uint8 = 1
	ServiceConfirmedReadProperty    uint8 = 12
	ServiceConfirmedWriteProperty   uint8 = 15
	ServiceSubscribeCOV             uint8 = 5
)

const (
	ServiceUnconfirmedCOVNotification uint8 = 2
	ServiceUnconfirmedWhoIs           uint8 = 8
	ServiceUnconfirmedIAm             uint8 = 0
)
