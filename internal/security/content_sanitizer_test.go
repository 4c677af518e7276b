package security

import (
	"strings"
	"testing"
)

// TestContentSanitizer_ImplementsInterface はcontentSanitizerがインターフェースを満たすことを検証する。
func TestContentSanitizer_ImplementsInterface(t *testing.T) {
	var _ ContentSanitizerService = NewContentSanitizer()
}

// TestSanitizeName_StripsAllTags は表示名から全HTMLタグが除去されることを検証する。
func TestSanitizeName_StripsAllTags(t *testing.T) {
	s := NewContentSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキスト", "Alice", "Alice"},
		{"日本語名", "まどか", "まどか"},
		{"scriptタグ", `Alice<script>alert(1)</script>`, "Alice"},
		{"強調タグも除去", "<strong>Carol</strong>", "Carol"},
		{"aタグはテキストのみ残る", `<a href="https://evil.example">Dave</a>`, "Dave"},
		{"空文字列", "", ""},
		{"前後空白はトリム", "  Eve  ", "Eve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.SanitizeName(tt.input); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitizeName_Idempotent は同一入力に対して常に同一出力を返すことを検証する。
func TestSanitizeName_Idempotent(t *testing.T) {
	s := NewContentSanitizer()

	input := `<b>Player</b><script>x()</script> One`
	first := s.SanitizeName(input)
	second := s.SanitizeName(first)

	if first != second {
		t.Errorf("SanitizeName is not idempotent: first=%q second=%q", first, second)
	}
}

// TestSanitizeNote_AllowsSafeTags はチャンネル注記で許可タグが残ることを検証する。
func TestSanitizeNote_AllowsSafeTags(t *testing.T) {
	s := NewContentSanitizer()

	input := `<p>毎週金曜の<strong>統率者戦</strong>。<br>ルールは<code>rule 903</code>参照。</p>`
	got := s.SanitizeNote(input)

	for _, tag := range []string{"<p>", "<strong>", "<br", "<code>"} {
		if !strings.Contains(got, tag) {
			t.Errorf("SanitizeNote output should contain %q, got %q", tag, got)
		}
	}
}

// TestSanitizeNote_RemovesDangerousContent は危険なタグ・属性が除去されることを検証する。
func TestSanitizeNote_RemovesDangerousContent(t *testing.T) {
	s := NewContentSanitizer()

	tests := []struct {
		name       string
		input      string
		mustAbsent []string
	}{
		{"scriptタグ", `<p>hi</p><script>alert(1)</script>`, []string{"<script", "alert(1)"}},
		{"iframeタグ", `<iframe src="https://evil.example"></iframe>`, []string{"<iframe"}},
		{"styleタグ", `<style>body{display:none}</style>text`, []string{"<style"}},
		{"onclickイベント属性", `<p onclick="x()">text</p>`, []string{"onclick"}},
		{"javascriptスキームのリンク", `<a href="javascript:alert(1)">x</a>`, []string{"javascript:"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.SanitizeNote(tt.input)
			for _, bad := range tt.mustAbsent {
				if strings.Contains(got, bad) {
					t.Errorf("SanitizeNote(%q) = %q, should not contain %q", tt.input, got, bad)
				}
			}
		})
	}
}

// TestSanitizeNote_LinkAttributes はaタグにtarget/relが強制付与されることを検証する。
func TestSanitizeNote_LinkAttributes(t *testing.T) {
	s := NewContentSanitizer()

	got := s.SanitizeNote(`<a href="https://example.com/rules">ハウスルール</a>`)

	if !strings.Contains(got, `href="https://example.com/rules"`) {
		t.Errorf("expected href to be kept, got %q", got)
	}
	if !strings.Contains(got, `target="_blank"`) {
		t.Errorf("expected target=_blank to be added, got %q", got)
	}
	if !strings.Contains(got, "noopener") || !strings.Contains(got, "noreferrer") {
		t.Errorf("expected rel noopener/noreferrer, got %q", got)
	}
}

// TestSanitizeNote_EmptyInput は空文字列入力で空文字列が返ることを検証する。
func TestSanitizeNote_EmptyInput(t *testing.T) {
	s := NewContentSanitizer()

	if got := s.SanitizeNote(""); got != "" {
		t.Errorf("SanitizeNote(\"\") = %q, want \"\"", got)
	}
}
