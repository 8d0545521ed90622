// Package logx is delayq's logging layer over zerolog.
//
// Console output is human-readable with a short file:line caller; file
// output is JSON Lines. Service.Apply swaps sinks and level at runtime and
// every Logger derived from the service follows.
package logx
