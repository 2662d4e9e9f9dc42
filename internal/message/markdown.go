// Package message renders schedules for delivery: Telegram MarkdownV2 text
// and iCalendar feeds.
package message

import "strings"

var mdV2Escaper = strings.NewReplacer(
	`\`, `\\`,
	"_", `\_`,
	"*", `\*`,
	"[", `\[`,
	"]", `\]`,
	"(", `\(`,
	")", `\)`,
	"~", `\~`,
	"`", "\\`",
	">", `\>`,
	"#", `\#`,
	"+", `\+`,
	"-", `\-`,
	"=", `\=`,
	"|", `\|`,
	"{", `\{`,
	"}", `\}`,
	".", `\.`,
	"!", `\!`,
)

// Escape makes s safe as literal MarkdownV2 text.
func Escape(s string) string { return mdV2Escaper.Replace(s) }

func Bold(s string) string   { return "*" + Escape(s) + "*" }
func Italic(s string) string { return "_" + Escape(s) + "_" }
