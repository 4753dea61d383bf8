package model

import (
	"errors"
)

var (
	ErrNoGulpfile     = errors.New("no gulpfile found")
	ErrUnknownTask    = errors.New("unknown task")
	ErrNoBody         = errors.New("task has no body: set one of run, command, series or parallel")
	ErrManyBodies     = errors.New("task sets more than one of run, command, series and parallel")
	ErrRetryComposite = errors.New("retry is supported by run and command tasks only")
	ErrCycle          = errors.New("composite task refers back to itself")
	ErrNoTrigger      = errors.New("schedule sets neither cron nor every")
	ErrManyTriggers   = errors.New("schedule sets both cron and every")
)
