// Package logx provides a small structured logging facade over zerolog
// with runtime-swappable outputs.
package logx
