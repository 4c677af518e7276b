// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は記録ページに表示するユーザー由来のテキストを
// サニタイズし、XSS攻撃などのセキュリティリスクから閲覧者を保護する。
// 表示名はチャットプラットフォーム側でユーザーが自由に設定できるため、
// HTMLとして解釈される文字列が混入し得る。
// bluemondayライブラリを使用した許可リストベースのポリシーで処理する。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は記録ページ表示用のサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// SanitizeName は表示名からすべてのHTMLタグを除去したプレーンテキストを返す。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeName(raw string) string

	// SanitizeNote はチャンネル注記のHTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, strong, em, code）のみを通過させ、
	// script, iframe, styleタグおよびon*イベント属性を除去する。
	// aタグにはtarget="_blank"とrel="noopener noreferrer"が自動付与される。
	SanitizeNote(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	namePolicy *bluemonday.Policy
	notePolicy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// 初期化時にbluemondayのポリシーを構築する。
//   - 表示名: StrictPolicy（全タグ除去）
//   - チャンネル注記: p, br, a, strong, em, code のみ許可。
//     aタグには href を許可し、target="_blank" と rel="noreferrer noopener" を強制付与
func NewContentSanitizer() *contentSanitizer {
	note := bluemonday.NewPolicy()

	// 許可リストに含めないタグ（script, iframe, style等）は自動的に除去される。
	// on*イベント属性はbluemondayのデフォルトで許可されない。
	note.AllowElements("p", "br", "strong", "em", "code")

	note.AllowAttrs("href").OnElements("a")
	note.AllowStandardURLs()
	note.AllowRelativeURLs(false)
	note.AddTargetBlankToFullyQualifiedLinks(true)
	note.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		namePolicy: bluemonday.StrictPolicy(),
		notePolicy: note,
	}
}

// SanitizeName は表示名からすべてのHTMLタグを除去したプレーンテキストを返す。
func (s *contentSanitizer) SanitizeName(raw string) string {
	return strings.TrimSpace(s.namePolicy.Sanitize(raw))
}

// SanitizeNote はチャンネル注記のHTMLをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) SanitizeNote(rawHTML string) string {
	return s.notePolicy.Sanitize(rawHTML)
}
