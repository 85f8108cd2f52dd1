package pylontech

import "fmt"

// IncompleteTelegramError reports a telegram boundary reached while one of
// the six required frame identifiers was never observed.
type IncompleteTelegramError struct {
	MissingID uint32
}

func (e *IncompleteTelegramError) Error() string {
	return fmt.Sprintf("incomplete set of data frames received, missing CAN ID 0x%03X", e.MissingID)
}

// MalformedFieldError reports a frame that was present but whose payload
// could not be decoded.
type MalformedFieldError struct {
	ID     uint32
	Reason string
}

func (e *MalformedFieldError) Error() string {
	return fmt.Sprintf("invalid data in frame 0x%03X: %s", e.ID, e.Reason)
}
