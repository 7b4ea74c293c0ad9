// Package tgui provides small Telegram text helpers:
//   - HTML builders that are safe for ParseMode="HTML" (auto escaping)
//   - Rune-aware truncation and whitespace folding for message bodies
package tgui
