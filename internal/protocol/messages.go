package protocol

import "time"

// Session roles.
const (
	RoleParticipant = "participant"
	// RoleResolver may declare wager outcomes.
	RoleResolver = "resolver"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Participant     string     `json:"participant"`
	Channels        []string   `json:"channels,omitempty"`
	Role            string     `json:"role,omitempty"`
	MaxQueue        int        `json:"max_queue,omitempty"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	SessionID       string        `json:"session_id"`
	Participant     string        `json:"participant"`
	Role            string        `json:"role"`
	Channels        []string      `json:"channels"`
	Catalog         CatalogDigest `json:"catalog"`
}

type CatalogDigest struct {
	Digest string `json:"digest"`
	Items  int    `json:"items"`
	Packs  int    `json:"packs"`
}

// Interaction kinds.
const (
	KindClaim = "CLAIM"

	KindTradeBegin   = "TRADE_BEGIN"
	KindTradeAdd     = "TRADE_ADD"
	KindTradeRemove  = "TRADE_REMOVE"
	KindTradeCoins   = "TRADE_COINS"
	KindTradeLock    = "TRADE_LOCK"
	KindTradeConfirm = "TRADE_CONFIRM"
	KindTradeCancel  = "TRADE_CANCEL"

	KindBetPlace   = "BET_PLACE"
	KindBetAccept  = "BET_ACCEPT"
	KindBetResolve = "BET_RESOLVE"
	KindBetCancel  = "BET_CANCEL"

	KindPackDraw = "PACK_DRAW"
	KindPackBuy  = "PACK_BUY"
	KindPackOpen = "PACK_OPEN"
	KindPackGive = "PACK_GIVE"

	KindCoinsGive   = "COINS_GIVE"
	KindCoinsSell   = "COINS_SELL"
	KindBalance     = "BALANCE"
	KindInventory   = "INVENTORY"
	KindLeaderboard = "LEADERBOARD"
)

// INTERACTION (client -> server). One struct carries every kind; the schema
// decides which fields a kind needs.
type Interaction struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// ID is chosen by the client and doubles as the claim attempt id, so a
	// redelivered interaction is recognised.
	ID   string    `json:"id"`
	Kind string    `json:"kind"`
	At   time.Time `json:"at,omitempty"`

	// Filled in by the transport from the authenticated session.
	Participant string `json:"participant,omitempty"`
	Role        string `json:"-"`

	Channel   string      `json:"channel,omitempty"`
	SpawnID   string      `json:"spawn_id,omitempty"`
	Answer    string      `json:"answer,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	With      string      `json:"with,omitempty"`
	To        string      `json:"to,omitempty"`
	Items     []int64     `json:"items,omitempty"`
	Coins     int64       `json:"coins,omitempty"`
	WagerID   string      `json:"wager_id,omitempty"`
	Stakes    []StakeSpec `json:"stakes,omitempty"`
	Payout    string      `json:"payout,omitempty"`
	Outcome   string      `json:"outcome,omitempty"`
	PackID    string      `json:"pack_id,omitempty"`
	Amount    int         `json:"amount,omitempty"`
}

type StakeSpec struct {
	Participant string  `json:"participant"`
	Items       []int64 `json:"items,omitempty"`
	Coins       int64   `json:"coins,omitempty"`
	Outcome     string  `json:"outcome"`
}

// RESULT (server -> client): the answer to one interaction.
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReplyTo         string `json:"reply_to"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Retryable       bool   `json:"retryable,omitempty"`
	Data            any    `json:"data,omitempty"`
}

// Prompt kinds.
const (
	PromptSpawn = "SPAWN"
	PromptTrade = "TRADE"
	PromptWager = "WAGER"
	PromptPack  = "PACK"
)

// PROMPT (server -> client): an interactive message. A prompt whose
// PromptID was delivered before replaces the earlier one.
type Prompt struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PromptID        string `json:"prompt_id"`
	Kind            string `json:"kind"`
	// Channel addresses everyone subscribed; Recipients address users
	// directly. Either may be empty but not both.
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	State      string   `json:"state"`
	Text       string   `json:"text"`
	Card       *Card    `json:"card,omitempty"`
	// Actions lists the interaction kinds the prompt currently accepts.
	Actions []string `json:"actions,omitempty"`
	Final   bool     `json:"final,omitempty"`
}

// Card is the rendered display of one item.
type Card struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	Emoji    string   `json:"emoji,omitempty"`
	Lines    []string `json:"lines,omitempty"`
	Footer   string   `json:"footer,omitempty"`
}

func NewResult(replyTo string) ResultMsg {
	return ResultMsg{Type: TypeResult, ProtocolVersion: Version, ReplyTo: replyTo, OK: true}
}

func NewPrompt(id, kind string) Prompt {
	return Prompt{Type: TypePrompt, ProtocolVersion: Version, PromptID: id, Kind: kind}
}
