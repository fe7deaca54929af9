// Package logx is cellserve's structured logger, a thin layer over zerolog.
//
// A Logger created from a Service follows Service.Apply, so a config reload
// changes level and outputs for every component at once. Console output is
// human readable with a short caller; file output is JSON. Records at or
// above the alert level can be forwarded, rate limited, to a Sink such as
// the Telegram alerter.
package logx
