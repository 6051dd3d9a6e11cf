package services

import "time"

const (
	KeyPlayerLock = "lock:%s"
	KeyRateLimit  = "ratelimit:%s:%s"

	ChannelRoundEvents = "rounds:events"

	TTLPlayerLock  = 10 * time.Second
	TTLLockWait    = 5 * time.Second
	LockRetryDelay = 25 * time.Millisecond
)
