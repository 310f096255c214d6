package model

import "strings"

type Platform string

const (
	PlatformXHS Platform = "xhs"
)

func ParsePlatform(s string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(s)))
}

func (p Platform) String() string {
	return string(p)
}

// SignMode selects which signing path a request goes through.
type SignMode int

const (
	SignAuto SignMode = iota
	SignLocal
	SignBrowser
)

func (sm SignMode) String() string {
	return [...]string{"auto", "local", "browser"}[sm]
}

// ParseSignMode maps a config value to a SignMode. Unknown values fall back to auto.
func ParseSignMode(s string) SignMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return SignLocal
	case "browser":
		return SignBrowser
	default:
		return SignAuto
	}
}

type RotationPolicy string

const (
	RoundRobin RotationPolicy = "round_robin"
	Weighted   RotationPolicy = "weighted"
	Random     RotationPolicy = "random"
)

// ParseRotationPolicy maps a config value to a policy. Unknown values fall back to round robin.
func ParseRotationPolicy(s string) RotationPolicy {
	switch RotationPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case Weighted:
		return Weighted
	case Random:
		return Random
	default:
		return RoundRobin
	}
}
