package ledger

import "errors"

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrFillNotFound     = errors.New("fill not found")
	ErrOrderExpired     = errors.New("order expired")
	ErrOrderNotFillable = errors.New("order not fillable")
	ErrScheduleConflict = errors.New("nonce already used by maker")
	ErrNotMaker         = errors.New("requester is not the order maker")
	ErrAlreadyFilled    = errors.New("order already has committed fills")
	ErrStatusRegression = errors.New("fill status cannot move backward")
)
