// Package logx is the structured logger used across volley: zerolog events
// built from typed fields, a readable console sink and a rotating JSON file
// sink, both swappable at runtime.
package logx
