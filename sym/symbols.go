// Package sym holds the glyphs meridian attaches to log lines and CLI output.
// They travel as the "symbol" log field, never inside the message.
package sym

const (
	Pulse      = "꩜" // async jobs and schedulers
	PulseOpen  = "✿" // startup, orphaned job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Slot       = "◷" // slot scheduler
	Buffer     = "▦" // buffer-lookahead scheduler
	Bank       = "⌸" // work-item bank
	Ledger     = "▤" // calendar / outcome ledger
)
