package sqlite

import "errors"

var (
	// ErrNotFound is returned when a config does not exist
	ErrNotFound = errors.New("not found")

	// ErrGroupNotFound is returned when a duplicate group does not exist
	ErrGroupNotFound = errors.New("duplicate group not found")

	// ErrDuplicateName is returned when a config name is already taken
	ErrDuplicateName = errors.New("config name already exists")

	// ErrNotMember is returned when a target record is not attached to the group
	ErrNotMember = errors.New("record is not a member of the group")

	// ErrRecordDiscarded is returned when a discarded record is chosen as master
	ErrRecordDiscarded = errors.New("record is discarded")

	// ErrMasterDiscard is returned when discarding the group's master record
	ErrMasterDiscard = errors.New("cannot discard the master record")
)
