package config

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EpsilonKind says how the attack strength is chosen for each batch.
type EpsilonKind int

const (
	// EpsilonDefault lets the attack pick its own strength.
	EpsilonDefault EpsilonKind = iota
	// EpsilonFixed passes Value to every attack call.
	EpsilonFixed
	// EpsilonRandom draws from a fixed set for every attack call.
	EpsilonRandom
)

// RandomSentinel is the config value selecting EpsilonRandom.
const RandomSentinel = "rand"

// Epsilon is the `epsilon` option: a float, the string "rand", or anything
// else (including absent) for the attack default.
type Epsilon struct {
	Kind  EpsilonKind
	Value float64
}

// Fixed returns a fixed epsilon.
func Fixed(v float64) Epsilon {
	return Epsilon{Kind: EpsilonFixed, Value: v}
}

// Random returns the random epsilon choice.
func Random() Epsilon {
	return Epsilon{Kind: EpsilonRandom}
}

// UnmarshalYAML implements yaml.Unmarshaler. Only unquoted floats are fixed
// values. Integers such as 0 and quoted numbers such as "0.1" select the
// attack default.
func (e *Epsilon) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: epsilon must be a scalar", node.Line)
	}
	switch node.ShortTag() {
	case "!!float":
		v, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: epsilon: %w", node.Line, err)
		}
		*e = Fixed(v)
	case "!!str":
		if node.Value == RandomSentinel {
			*e = Random()
		} else {
			*e = Epsilon{}
		}
	default:
		*e = Epsilon{}
	}
	return nil
}

// ParseEpsilon interprets a command line value the same way as the YAML field.
func ParseEpsilon(s string) (Epsilon, error) {
	switch s {
	case RandomSentinel:
		return Random(), nil
	case "default":
		return Epsilon{}, nil
	}
	if _, err := strconv.Atoi(s); err == nil {
		return Epsilon{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Epsilon{}, fmt.Errorf("epsilon %q: want a number, %q or \"default\"", s, RandomSentinel)
	}
	return Fixed(v), nil
}

func (e Epsilon) String() string {
	switch e.Kind {
	case EpsilonFixed:
		return strconv.FormatFloat(e.Value, 'g', -1, 64)
	case EpsilonRandom:
		return RandomSentinel
	default:
		return "default"
	}
}
