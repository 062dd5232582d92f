// internal/render/render.go
package render

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
)

const (
	unknownTarget   = "対象製品不明"
	genericVulnType = "重大な脆弱性"
	referenceLabel  = "参考情報"
)

// vulnTypeHints maps a display label to lowercase keywords. Order matters:
// the first label with a matching keyword wins.
var vulnTypeHints = []struct {
	label string
	hints []string
}{
	{"リモートコード実行", []string{"remote code execution", "rce", "任意のコード実行"}},
	{"認証回避", []string{"authentication bypass", "broken authentication", "認証回避"}},
	{"権限昇格", []string{"privilege escalation", "権限昇格"}},
	{"情報漏えい", []string{"information disclosure", "情報漏えい", "情報漏洩"}},
	{"SQLインジェクション", []string{"sql injection", "sqlインジェクション"}},
	{"XSS（クロスサイトスクリプティング）", []string{"cross-site scripting", "xss"}},
	{"ディレクトリトラバーサル", []string{"directory traversal", "traversal", "パストラバーサル"}},
}

// CVSSLabel formats a score with its Japanese severity band, or "-" when
// the score is absent or not positive.
func CVSSLabel(score *float64) string {
	if score == nil || *score <= 0 {
		return "-"
	}
	s := *score
	var band string
	switch {
	case s >= 9.0:
		band = "緊急"
	case s >= 7.0:
		band = "高"
	case s >= 4.0:
		band = "中"
	default:
		band = "低"
	}
	return fmt.Sprintf("%.1f（%s）", s, band)
}

// DetectVulnType guesses the vulnerability class from free text.
func DetectVulnType(text string) string {
	t := strings.ToLower(text)
	for _, h := range vulnTypeHints {
		for _, kw := range h.hints {
			if strings.Contains(t, kw) {
				return h.label
			}
		}
	}
	return genericVulnType
}

// Mitigations returns three generic countermeasures for a vulnerability class.
// Patching always comes first.
func Mitigations(vulnType string) []string {
	const (
		patch   = "ベンダー提供の修正版または最新セキュリティパッチを早急に適用する"
		network = "不要な外部公開を制限し、WAF/IPS等の防御設定を見直す"
		logs    = "各種ログを確認し、不審な挙動（試行増加・異常応答等）を監視する"
	)

	vt := strings.ToLower(vulnType)
	var extra []string
	switch {
	case strings.Contains(vt, "認証") || strings.Contains(vt, "bypass"):
		extra = []string{"多要素認証を有効化し、不正ログインを防止する", "アクセス制御・セッション管理の実装を再確認する"}
	case strings.Contains(vt, "権限昇格") || strings.Contains(vt, "privilege"):
		extra = []string{"最小権限の原則に基づき、不要な特権を剥奪する", "OS/アプリの権限設定を適切化する"}
	case strings.Contains(vt, "rce") || strings.Contains(vt, "コード実行"):
		extra = []string{"外部入力値の検証・サニタイズを徹底する", network}
	case strings.Contains(vt, "sql"):
		extra = []string{"SQLプレースホルダー等のパラメタ化クエリを使用する", "入力値のエスケープ処理を徹底する"}
	case strings.Contains(vt, "xss"):
		extra = []string{"出力時にHTMLエスケープを実施する", "CSP（Content Security Policy）を設定する"}
	case strings.Contains(vt, "ディレクトリ") || strings.Contains(vt, "traversal"):
		extra = []string{"ユーザー入力をファイルパスに直結しない実装へ修正する", "サーバーのディレクトリリスティングを無効化する"}
	default:
		extra = []string{network, logs}
	}
	return append([]string{patch}, extra...)[:3]
}

// Target names what is affected: vendor and product, else the CVE.
func Target(rec advisory.Record) string {
	if t := strings.TrimSpace(rec.Vendor + " " + rec.Product); t != "" {
		return t
	}
	if rec.CVE != "" {
		return rec.CVE
	}
	return unknownTarget
}

// Title builds the deterministic article title.
func Title(rec advisory.Record) string {
	return fmt.Sprintf("%s の脆弱性（%s）に関する注意喚起", Target(rec), DetectVulnType(text(rec)))
}

// Markdown builds the deterministic article body.
func Markdown(rec advisory.Record) string {
	affected := strings.TrimSpace(rec.Vendor + " " + rec.Product)
	if affected == "" {
		affected = "不明"
	}
	vulnType := DetectVulnType(text(rec))

	published := "-"
	if rec.Published != nil {
		published = rec.Published.UTC().Format("2006-01-02")
	}

	exploitation := "現時点では、実際の攻撃による悪用は確認されていません。"
	if rec.CISAKEV || rec.ExploitConfirmed {
		exploitation = "この脆弱性は、実際の攻撃で悪用が確認されており、CISAのKEVカタログ等にも掲載があります。"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s に関する「%s」の脆弱性が報告されています。", affected, vulnType)
	b.WriteString("システムの安全性に重大な影響を与える可能性があるため、早急な対応を検討してください。\n\n")

	b.WriteString("## 脆弱性の概要\n")
	b.WriteString(firstSentence(text(rec)) + "\n\n")

	b.WriteString("| 項目 | 内容 |\n|------|------|\n")
	fmt.Fprintf(&b, "| **CVE番号** | %s |\n", cell(rec.CVE))
	fmt.Fprintf(&b, "| **公開日** | %s |\n", published)
	fmt.Fprintf(&b, "| **対象機器** | %s |\n", cell(affected))
	fmt.Fprintf(&b, "| **脆弱性の種類** | %s |\n", vulnType)
	fmt.Fprintf(&b, "| **CVSSスコア** | %s |\n\n", CVSSLabel(rec.CVSS))

	b.WriteString(primaryLinkBox(primaryURL(rec.References)) + "\n\n---\n\n")

	b.WriteString("## 既知の悪用状況\n" + exploitation + "\n\n---\n\n")

	b.WriteString("## 対策\n")
	for _, m := range Mitigations(vulnType) {
		b.WriteString("- " + m + "\n")
	}
	b.WriteString("\n---\n\n")

	b.WriteString("## まとめ\n")
	b.WriteString("本脆弱性は業務継続や情報保護に影響を及ぼすおそれがあります。")
	b.WriteString("対象環境がある場合は、最新の修正版適用や公開範囲の見直しなど、速やかな対策を実施してください。\n\n---\n\n")

	b.WriteString("## 参考（公式アドバイザリなど）\n")
	b.WriteString(referenceList(rec.References))

	return strings.TrimSpace(b.String())
}

func text(rec advisory.Record) string {
	if s := strings.TrimSpace(rec.Summary); s != "" {
		return s
	}
	return strings.TrimSpace(rec.Description)
}

// firstSentence keeps the text up to and including the first Japanese full stop.
func firstSentence(s string) string {
	if i := strings.Index(s, "。"); i >= 0 {
		return s[:i+len("。")]
	}
	return s
}

// cell keeps table cells on one row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.Join(strings.Fields(s), " ")
}

func primaryURL(refs []advisory.Reference) string {
	for _, r := range refs {
		if r.URL != "" {
			return r.URL
		}
	}
	return "-"
}

// primaryLinkBox is a WordPress group block that highlights the primary link.
func primaryLinkBox(url string) string {
	link := url
	if url != "-" {
		link = fmt.Sprintf(`<a href="%s">%s</a>`, url, url)
	}
	return `<!-- wp:group {"className":"is-style-information-box","layout":{"type":"constrained"}} -->` + "\n" +
		`<div class="wp-block-group is-style-information-box"><!-- wp:paragraph -->` + "\n" +
		`<p><strong>▼ 参考情報（主要リンク）</strong></p>` + "\n" +
		`<!-- /wp:paragraph -->` + "\n\n" +
		`<!-- wp:paragraph -->` + "\n" +
		`<p>` + link + `</p>` + "\n" +
		`<!-- /wp:paragraph --></div>` + "\n" +
		`<!-- /wp:group -->`
}

func referenceList(refs []advisory.Reference) string {
	var b strings.Builder
	for _, r := range refs {
		if r.URL == "" {
			continue
		}
		label := r.Label
		if label == "" || label == advisory.DefaultReferenceLabel {
			label = referenceLabel
		}
		fmt.Fprintf(&b, "- %s：%s\n", label, r.URL)
	}
	if b.Len() == 0 {
		return "- " + referenceLabel + "：-\n"
	}
	return b.String()
}
