package configs

import "time"

var (
	HKDFInfo      = []byte("conference-e2ee")
	ServerAddress = "localhost:8080"
	RedisAddress  = "localhost:6379"
	WebSocketPath = "/ws"
	RoomsPath     = "/rooms"

	// Redis keys

	RoomParticipantsKey = "room:participants:%s"
	RoomPropertiesKey   = "room:properties:%s:%s"
	RoomQueueKey        = "room:queue:%s:%s"

	// Conference capability advertised by e2ee-enabled participants and the
	// presence property carrying their long-term identity key.

	FeatureE2EE         = "e2ee"
	IdentityKeyProperty = "e2ee.idKey"

	// RequestTimeout bounds every correlated request/response pair
	// (session-init, key-info). A timed-out request is cleared from the
	// pending registry so the operation may be retried.
	RequestTimeout = 30 * time.Second

	// EventBufferSize is the capacity of the manager's upward event channel.
	EventBufferSize = 64

	// SAS transcript labels. Changing any of these breaks verification
	// against peers running an older build.
	SASInfoPrefix    = "conference-e2ee-sas"
	SASMACInfoPrefix = "conference-e2ee-sas-mac"
	SASMACKeyIDs     = "KEY_IDS"
)
