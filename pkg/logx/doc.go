// Package logx is a small structured logging layer over zerolog.
//
// It exists so the rest of the bot can log through one narrow API
// (Logger + Field helpers) while the sink wiring (console, file,
// rate-limited Telegram relay) stays in one place.
package logx
