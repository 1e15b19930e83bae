package protocol

// HELLO (game server -> tracker)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ServerName      string     `json:"server_name"`
	Auth            *HelloAuth `json:"auth,omitempty"`
	MaxQueue        int        `json:"max_queue,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (tracker -> game server)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	EditThreshold   int    `json:"edit_threshold"`
}

// CHUNK_ENTERED fires when a player crosses into a chunk.
type ChunkEnteredMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	World           string `json:"world"`
	ChunkX          int32  `json:"chunk_x"`
	ChunkZ          int32  `json:"chunk_z"`
}

// BLOCK_CHANGED fires on block place and break. SurfaceY is the highest
// occupied block of the edited column.
type BlockChangedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	World           string `json:"world"`
	X               int32  `json:"x"`
	Y               int32  `json:"y"`
	Z               int32  `json:"z"`
	SurfaceY        int32  `json:"surface_y"`
}

type PlayerStatus struct {
	Name  string  `json:"name"`
	World string  `json:"world"`
	X     int32   `json:"x"`
	Y     int32   `json:"y"`
	Z     int32   `json:"z"`
	Yaw   float32 `json:"yaw"`
}

// PLAYERS carries the online players.
type PlayersMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`
	Players         []PlayerStatus `json:"players"`
}

type ServerStatus struct {
	IsOnline    bool   `json:"isOnline"`
	PlayerCount int    `json:"playerCount"`
	WorldTime   int64  `json:"worldTime"`
	Motd        string `json:"motd"`
}

// STATUS carries the game server status.
type StatusMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version,omitempty"`
	Status          ServerStatus `json:"status"`
}

// ERROR (tracker -> game server)
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Code: code, Message: message}
}
