//go:build !darwin && !linux && !windows

package sysinfo

func osVersion() string { return "" }
