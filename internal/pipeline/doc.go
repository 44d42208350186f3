// Package pipeline generates and sends one digest: it fetches the user's
// sources, condenses them with a language model (or an extractive fallback)
// and delivers the result over SMTP.
package pipeline
