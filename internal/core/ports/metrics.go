package ports

type MatchmakingMetrics interface {
	SessionCreated()
	SessionClaimed()
	StaleSessionDeleted()
	ClaimConflict()
	MatchmakingFailed()
}

type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	WaitingSlot(occupied bool)
	PairMatched()
	MessageForwarded(messageType string)
	MessageDropped(reason string)
}
