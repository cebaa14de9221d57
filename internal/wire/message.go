// Package wire defines the closed set of message types exchanged between
// clients and the session server, and the stream/datagram framing used to
// carry them. Payloads are JSON, carried in a generic envelope the same
// way a simpler chat-style control message would be, generalized to the
// racing protocol's type-tag catalog.
package wire

import "raceserver/internal/ids"

// Inbound message type tags (client -> server).
const (
	TypeAuthenticate    = "Authenticate"
	TypeHeartbeat       = "Heartbeat"
	TypeSelectCar       = "SelectCar"
	TypeRequestLobby    = "RequestLobbyState"
	TypeCreateSession   = "CreateSession"
	TypeJoinSession     = "JoinSession"
	TypeLeaveSession    = "LeaveSession"
	TypeStartSession    = "StartSession"
	TypeSetGameMode     = "SetGameMode"
	TypeStartCountdown  = "StartCountdown"
	TypePlayerInput     = "PlayerInput" // datagram only
	TypeDisconnect      = "Disconnect"
)

// Outbound message type tags (server -> client).
const (
	TypeAuthSuccess       = "AuthSuccess"
	TypeAuthFailure       = "AuthFailure"
	TypeHeartbeatAck      = "HeartbeatAck"
	TypeLobbyState        = "LobbyState"
	TypeSessionJoined     = "SessionJoined"
	TypeSessionLeft       = "SessionLeft"
	TypeSessionStarting   = "SessionStarting"
	TypeGameModeChanged   = "GameModeChanged"
	TypeCountdownUpdate   = "CountdownUpdate"
	TypeTelemetry         = "Telemetry"
	TypePlayerDisconnected = "PlayerDisconnected"
	TypeSessionStolen     = "SessionStolen"
	TypeError             = "Error"
)

// Priority is the delivery-guarantee class of an outbound message.
type Priority int

const (
	// Droppable messages are sent with a non-blocking enqueue and silently
	// dropped when the target queue is full.
	Droppable Priority = iota
	// Critical messages use a blocking/bounded-wait enqueue; failure to
	// enqueue evicts the connection.
	Critical
)

// PriorityOf classifies an outbound type tag by its delivery guarantee.
func PriorityOf(msgType string) Priority {
	switch msgType {
	case TypeAuthSuccess, TypeAuthFailure, TypeError, TypeSessionJoined,
		TypeSessionStarting, TypeSessionLeft, TypeGameModeChanged, TypeSessionStolen:
		return Critical
	default:
		return Droppable
	}
}

// Envelope is the generic self-describing map used on the reliable stream:
// a top-level type tag plus an opaque data object. Concrete inbound/outbound
// payloads below are marshaled into Data by the codec.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// --- Inbound payloads -------------------------------------------------

type AuthenticatePayload struct {
	Token      string `json:"token"`
	PlayerName string `json:"player_name"`
}

type HeartbeatPayload struct {
	ClientTick uint64 `json:"client_tick"`
}

type SelectCarPayload struct {
	CarConfigID ids.CarConfigID `json:"car_config_id"`
}

type CreateSessionPayload struct {
	TrackConfigID ids.TrackConfigID `json:"track_config_id"`
	MaxPlayers    int               `json:"max_players"`
	AICount       int               `json:"ai_count"`
	LapLimit      int               `json:"lap_limit"`
	SessionKind   string            `json:"session_kind"`
}

type JoinSessionPayload struct {
	SessionID ids.SessionID `json:"session_id"`
}

type SetGameModePayload struct {
	Mode string `json:"mode"`
}

type StartCountdownPayload struct {
	CountdownSeconds int    `json:"countdown_seconds"`
	NextMode         string `json:"next_mode"`
}

// PlayerInputPayload is carried on the datagram channel, not the reliable
// stream; ServerTickAck lets the client round-trip its last-seen tick.
type PlayerInputPayload struct {
	ParticipantID  ids.ParticipantID `json:"participant_id"`
	Throttle       float64           `json:"throttle"`
	Brake          float64           `json:"brake"`
	Steering       float64           `json:"steering"`
	ServerTickAck  uint64            `json:"server_tick_ack"`
}

// --- Outbound payloads --------------------------------------------------

type AuthSuccessPayload struct {
	PlayerID      ids.ParticipantID `json:"player_id"`
	ServerVersion string            `json:"server_version"`
}

type AuthFailurePayload struct {
	Reason string `json:"reason"`
}

type HeartbeatAckPayload struct {
	ServerTick uint64 `json:"server_tick"`
}

type LobbyPlayer struct {
	ID          ids.ParticipantID `json:"id"`
	Name        string            `json:"name"`
	SelectedCar *ids.CarConfigID  `json:"selected_car"`
	InSession   *ids.SessionID    `json:"in_session"`
}

type SessionSummary struct {
	ID          ids.SessionID `json:"id"`
	TrackName   string        `json:"track_name"`
	HostName    string        `json:"host_name"`
	PlayerCount int           `json:"player_count"`
	MaxPlayers  int           `json:"max_players"`
	State       string        `json:"state"`
}

type CarConfigSummary struct {
	ID   ids.CarConfigID `json:"id"`
	Name string          `json:"name"`
}

type TrackConfigSummary struct {
	ID   ids.TrackConfigID `json:"id"`
	Name string            `json:"name"`
}

type LobbyStatePayload struct {
	PlayersInLobby    []LobbyPlayer        `json:"players_in_lobby"`
	AvailableSessions []SessionSummary     `json:"available_sessions"`
	CarConfigs        []CarConfigSummary   `json:"car_configs"`
	TrackConfigs      []TrackConfigSummary `json:"track_configs"`
}

type SessionJoinedPayload struct {
	SessionID       ids.SessionID `json:"session_id"`
	YourGridPosition int          `json:"your_grid_position"`
}

type SessionStartingPayload struct {
	CountdownSeconds int `json:"countdown_seconds"`
}

type GameModeChangedPayload struct {
	Mode string `json:"mode"`
}

type CountdownUpdatePayload struct {
	SecondsRemaining int `json:"seconds_remaining"`
}

type CarState struct {
	ParticipantID ids.ParticipantID `json:"participant_id"`
	PosX          float64           `json:"pos_x"`
	PosY          float64           `json:"pos_y"`
	PosZ          float64           `json:"pos_z"`
	Yaw           float64           `json:"yaw"`
	Pitch         float64           `json:"pitch"`
	Roll          float64           `json:"roll"`
	Speed         float64           `json:"speed"`
	Progress      float64           `json:"progress"`
	Lap           int               `json:"lap"`
	BestLapMs     int64             `json:"best_lap_ms"`
}

type TelemetryPayload struct {
	ServerTick   uint64     `json:"server_tick"`
	SessionState string     `json:"session_state"`
	GameMode     string     `json:"game_mode"`
	CountdownMs  *int64     `json:"countdown_ms,omitempty"`
	CarStates    []CarState `json:"car_states"`
}

type PlayerDisconnectedPayload struct {
	PlayerID ids.ParticipantID `json:"player_id"`
}

// SessionStolenPayload is sent to a connection immediately before it is
// evicted because a new connection authenticated under the same display
// name.
type SessionStolenPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
