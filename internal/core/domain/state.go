package domain

type ConnectionState string

const (
	StateIdle         ConnectionState = "Idle"
	StateSearching    ConnectionState = "Searching"
	StateConnecting   ConnectionState = "Connecting"
	StateConnected    ConnectionState = "Connected"
	StateDisconnected ConnectionState = "Disconnected"
	StateFailed       ConnectionState = "Failed"
)

// ConnectivitySignal is the raw connection state reported by the media engine.
type ConnectivitySignal string

const (
	ConnectivityNew          ConnectivitySignal = "new"
	ConnectivityChecking     ConnectivitySignal = "checking"
	ConnectivityConnected    ConnectivitySignal = "connected"
	ConnectivityCompleted    ConnectivitySignal = "completed"
	ConnectivityDisconnected ConnectivitySignal = "disconnected"
	ConnectivityFailed       ConnectivitySignal = "failed"
	ConnectivityClosed       ConnectivitySignal = "closed"
)

// Phase is the coordinator's internal handshake position.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseSearching    Phase = "searching"
	PhaseOffering     Phase = "offering"
	PhaseAnswering    Phase = "answering"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseFailed       Phase = "failed"
)
