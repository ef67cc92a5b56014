//go:build !linux

package ui

func disableInputEcho(int) (func(), error) { return nil, nil }
