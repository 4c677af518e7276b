// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// GameStatus はゲームのライフサイクル状態を表す。
type GameStatus string

const (
	// GameStatusPending は参加者募集中の状態。
	GameStatusPending GameStatus = "pending"
	// GameStatusStarted は満席になり開始済みの状態。
	GameStatusStarted GameStatus = "started"
)

const (
	// MinSeats はゲームの最小席数。
	MinSeats = 2
	// MaxSeats はゲームの最大席数。
	MaxSeats = 4
)

// GameFormat はゲームフォーマットを表す。
// 値はDB上の数値として永続化されるため、既存値の並び替えは禁止。
type GameFormat int

const (
	FormatCommander GameFormat = iota + 1
	FormatStandard
	FormatSealed
	FormatModern
	FormatVintage
	FormatLegacy
	FormatBrawlTwoPlayer
	FormatBrawlMultiplayer
	FormatTwoHeadedGiant
	FormatPauper
	FormatPioneer
	FormatDuelCommander
	FormatOathbreaker
	FormatPauperEDH
	FormatPlanechase
	FormatPreCons
	FormatCEDH
	FormatArchenemy
)

// formatDetails はフォーマットごとの定員と表示名。
var formatDetails = map[GameFormat]struct {
	players int
	name    string
}{
	FormatCommander:        {4, "Commander"},
	FormatStandard:         {2, "Standard"},
	FormatSealed:           {2, "Sealed"},
	FormatModern:           {2, "Modern"},
	FormatVintage:          {2, "Vintage"},
	FormatLegacy:           {2, "Legacy"},
	FormatBrawlTwoPlayer:   {2, "Brawl Two Player"},
	FormatBrawlMultiplayer: {4, "Brawl Multiplayer"},
	FormatTwoHeadedGiant:   {4, "Two Headed Giant"},
	FormatPauper:           {2, "Pauper"},
	FormatPioneer:          {2, "Pioneer"},
	FormatDuelCommander:    {2, "Duel Commander"},
	FormatOathbreaker:      {4, "Oathbreaker"},
	FormatPauperEDH:        {4, "Pauper EDH"},
	FormatPlanechase:       {4, "Planechase"},
	FormatPreCons:          {4, "Pre-Cons"},
	FormatCEDH:             {4, "cEDH"},
	FormatArchenemy:        {4, "Archenemy"},
}

// Players はフォーマットの定員を返す。未知のフォーマットは4を返す。
func (f GameFormat) Players() int {
	if d, ok := formatDetails[f]; ok {
		return d.players
	}
	return 4
}

// String はフォーマットの表示名を返す。
func (f GameFormat) String() string {
	if d, ok := formatDetails[f]; ok {
		return d.name
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Valid は定義済みのフォーマットかどうかを返す。
func (f GameFormat) Valid() bool {
	_, ok := formatDetails[f]
	return ok
}

// GameBracket はCommanderのブラケット（パワーレベル帯）を表す。
type GameBracket int

const (
	BracketNone GameBracket = iota
	BracketExhibition
	BracketCore
	BracketUpgraded
	BracketOptimized
	BracketCompetitive
)

// String はブラケットの表示名を返す。
func (b GameBracket) String() string {
	switch b {
	case BracketNone:
		return "None"
	case BracketExhibition:
		return "Bracket 1: Exhibition"
	case BracketCore:
		return "Bracket 2: Core"
	case BracketUpgraded:
		return "Bracket 3: Upgraded"
	case BracketOptimized:
		return "Bracket 4: Optimized"
	case BracketCompetitive:
		return "Bracket 5: cEDH"
	default:
		return fmt.Sprintf("Bracket(%d)", int(b))
	}
}

// GameService はリンク生成に使用する外部ホスティングサービスを表す。
type GameService int

const (
	ServiceSpellTable GameService = iota + 1
	ServiceTableStream
)

// String はサービスの表示名を返す。
func (s GameService) String() string {
	switch s {
	case ServiceSpellTable:
		return "SpellTable"
	case ServiceTableStream:
		return "TableStream"
	default:
		return fmt.Sprintf("Service(%d)", int(s))
	}
}

// Fingerprint はマッチング対象を決定するキー。
// すべてのフィールドが一致するPendingゲームだけが参加候補になる。
type Fingerprint struct {
	GuildXID   int64
	ChannelXID int64
	Seats      int
	Format     GameFormat
	Bracket    GameBracket
	Service    GameService
}

// Game はマッチメイキングされた1ゲームを表す。
type Game struct {
	ID         int64
	GuildXID   int64
	ChannelXID int64
	Seats      int
	Format     GameFormat
	Bracket    GameBracket
	Service    GameService
	Status     GameStatus

	// 投稿・リソース参照。Started後にのみ設定される。
	MessageXID      int64
	VoiceXID        int64
	Link            string
	SpectateLink    string
	VoiceInviteLink string
	Password        string

	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt time.Time
	DeletedAt time.Time
}

// Fingerprint はゲームのマッチングキーを返す。
func (g *Game) Fingerprint() Fingerprint {
	return Fingerprint{
		GuildXID:   g.GuildXID,
		ChannelXID: g.ChannelXID,
		Seats:      g.Seats,
		Format:     g.Format,
		Bracket:    g.Bracket,
		Service:    g.Service,
	}
}

// Deleted は削除（ハード/ソフト）済みかどうかを返す。
func (g *Game) Deleted() bool {
	return !g.DeletedAt.IsZero()
}

// LinkRefs はStarted遷移時に記録するリンク・リソース参照。
// 一度設定された値はハード削除以外で消去されない。
type LinkRefs struct {
	Link         string
	SpectateLink string
	Password     string
}

// GameSnapshot はチャット連携層が投稿・DMを描画するためのスナップショット。
type GameSnapshot struct {
	Game       Game
	PlayerXIDs []int64
}
