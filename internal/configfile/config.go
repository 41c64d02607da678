// Package configfile parses the relay's directive-based configuration
// file into an immutable Config consumed by cmd/udprelayd to build the
// engine. It has no dependency on internal/engine.
package configfile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ehrlich-b/udprelayd/internal/constants"
)

// RelaySpec is one `relay local ... remote ...` directive.
type RelaySpec struct {
	Local  string
	Remote string
}

// Config is the immutable, validated result of parsing a configuration
// file.
type Config struct {
	Listen  string // "" if absent
	Forward string // "" if absent
	Relays  []RelaySpec
	Track   int
}

// Parse reads a configuration from r. It returns an error describing
// the first malformed line, or a validation error if the overall
// document is incomplete (neither listen nor forward, or no valid
// relay line).
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{Track: constants.DefaultSeenCapacity}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if err := applyDirective(cfg, fields); err != nil {
			return nil, fmt.Errorf("configfile: line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("configfile: read: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func applyDirective(cfg *Config, fields []string) error {
	switch fields[0] {
	case "listen":
		if len(fields) != 2 {
			return fmt.Errorf("listen requires exactly one HOST:PORT argument")
		}
		cfg.Listen = fields[1]

	case "forward":
		if len(fields) != 2 {
			return fmt.Errorf("forward requires exactly one HOST:PORT argument")
		}
		cfg.Forward = fields[1]

	case "relay":
		spec, err := parseRelay(fields[1:])
		if err != nil {
			return err
		}
		cfg.Relays = append(cfg.Relays, spec)

	case "track":
		if len(fields) != 2 {
			return fmt.Errorf("track requires exactly one integer argument")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return fmt.Errorf("track requires a positive integer, got %q", fields[1])
		}
		cfg.Track = n

	default:
		return fmt.Errorf("unknown directive %q", fields[0])
	}
	return nil
}

// parseRelay parses the tokens following "relay": "local HOST:PORT
// remote HOST:PORT", in either order, both required.
func parseRelay(tokens []string) (RelaySpec, error) {
	var spec RelaySpec
	for i := 0; i+1 < len(tokens); i += 2 {
		switch tokens[i] {
		case "local":
			spec.Local = tokens[i+1]
		case "remote":
			spec.Remote = tokens[i+1]
		default:
			return RelaySpec{}, fmt.Errorf("relay: unexpected token %q", tokens[i])
		}
	}
	if spec.Local == "" || spec.Remote == "" {
		return RelaySpec{}, fmt.Errorf("relay: both local and remote are required")
	}
	return spec, nil
}

func validate(cfg *Config) error {
	if cfg.Listen == "" && cfg.Forward == "" {
		return fmt.Errorf("configfile: at least one of listen/forward is required")
	}
	if len(cfg.Relays) == 0 {
		return fmt.Errorf("configfile: at least one valid relay line is required")
	}
	return nil
}
