package constants

import "time"

const (
	// Agent transport
	RegisterTimeout    = 10 * time.Second
	HeartbeatInterval  = 30 * time.Second
	HeartbeatTimeout   = 10 * time.Second
	ReconnectBaseDelay = time.Second
	ReconnectMaxDelay  = 30 * time.Second

	// Sync engine
	TaskTimeout        = 30 * time.Second
	ConnectTimeout     = 10 * time.Second
	QueuePollInterval  = 5 * time.Millisecond
	OfflineFlushDelay  = 100 * time.Millisecond
	StaleSweepInterval = time.Minute

	// Tally socket
	TallyConnectTimeout = 10 * time.Second
	TallyReadTimeout    = 60 * time.Second
)

const (
	// Множитель интервала heartbeat, после которого сессия считается мертвой
	StaleHeartbeatFactor = 5

	MaxReconnectAttempts = 10
	MaxOfflineMessages   = 256
	MaxOfflineBytes      = 8 << 20 // total buffer
	MaxMessageBytes      = 1 << 20 // single message cap
)
