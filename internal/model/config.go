package model

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Enum helpers (optional).
const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	TelemetryJSON = "json"
	TelemetryCBOR = "cbor"

	DefaultConfigFile  = ".config.env"
	DefaultSandboxRoot = "/tmp"
)

// Keys of the dotenv configuration file.
const (
	KeyEndpoint            = "IOT_ENDPOINT"
	KeyThingName           = "IOT_THING_NAME"
	KeyDroneAddress        = "DRONE_ADDRESS"
	KeyDronePort           = "DRONE_PORT"
	KeyDroneConnectionType = "DRONE_CONNECTION_TYPE"
	KeyCertFilePath        = "CERT_FILEPATH"
	KeyPrivateKeyFilePath  = "PRIVATE_KEY_FILEPATH"
	KeyCAFilePath          = "CA_FILEPATH"
	KeySandboxRoot         = "SANDBOX_ROOT"
	KeyPollSchedule        = "POLL_SCHEDULE"
	KeyTelemetryInterval   = "TELEMETRY_INTERVAL"
	KeyTelemetryFormat     = "TELEMETRY_FORMAT"
	KeyMissionTimeout      = "MISSION_TIMEOUT"
	KeyLog                 = "LOG"
	KeyVerbose             = "VERBOSE"
)

var configKeys = []string{
	KeyEndpoint, KeyThingName, KeyDroneAddress, KeyDronePort, KeyDroneConnectionType,
	KeyCertFilePath, KeyPrivateKeyFilePath, KeyCAFilePath, KeySandboxRoot, KeyPollSchedule,
	KeyTelemetryInterval, KeyTelemetryFormat, KeyMissionTimeout, KeyLog, KeyVerbose,
}

// ConnectionType is the transport used to reach the vehicle.
type ConnectionType string

const (
	ConnectionUDPIn  ConnectionType = "udpin"
	ConnectionUDPOut ConnectionType = "udpout"
	ConnectionTCPIn  ConnectionType = "tcpin"
	ConnectionTCPOut ConnectionType = "tcpout"
	ConnectionSerial ConnectionType = "serial"
)

var connectionTypes = []ConnectionType{
	ConnectionUDPIn, ConnectionUDPOut, ConnectionTCPIn, ConnectionTCPOut, ConnectionSerial,
}

func ParseConnectionType(s string) (ConnectionType, error) {
	for _, ct := range connectionTypes {
		if string(ct) == s {
			return ct, nil
		}
	}
	return "", fmt.Errorf("unknown connection type %q", s)
}

// Schedule says how often the agent polls the queue for pending jobs.
// Exactly one of Cron and Every is set.
type Schedule struct {
	Cron  string
	Every time.Duration
}

func (s Schedule) String() string {
	if s.Cron != "" {
		return s.Cron
	}
	return s.Every.String()
}

// Config is the validated startup configuration of the agent.
type Config struct {
	Endpoint            string
	ThingName           string
	DroneAddress        string
	DronePort           int
	DroneConnectionType ConnectionType
	CertFilePath        string
	PrivateKeyFilePath  string
	CAFilePath          string

	SandboxRoot       string
	PollSchedule      Schedule
	TelemetryInterval time.Duration // zero disables the periodic publication
	TelemetryFormat   string
	MissionTimeout    time.Duration // zero means wait for the mission without a bound
	Log               string        // "stderr"|"stdout"|"discard"|path
	Verbose           bool
}

// DefaultConfig returns the values used for every optional key.
func DefaultConfig() Config {
	return Config{
		SandboxRoot:       DefaultSandboxRoot,
		PollSchedule:      Schedule{Every: 30 * time.Second},
		TelemetryInterval: 5 * time.Second,
		TelemetryFormat:   TelemetryJSON,
		Log:               LogStderr,
	}
}

// LoadConfig reads the dotenv file at path, lets the process environment
// override any key and validates the result. All problems are reported at once.
func LoadConfig(path string) (Config, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}
	for _, key := range configKeys {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}
	return ParseConfig(values)
}

// ParseConfig validates raw key/value pairs and converts them to a Config.
func ParseConfig(values map[string]string) (Config, error) {
	p := parser{values: values}
	cfg := DefaultConfig()

	cfg.Endpoint = p.require(KeyEndpoint)
	cfg.ThingName = p.thingName(KeyThingName)
	cfg.DroneAddress = p.require(KeyDroneAddress)
	cfg.DronePort = p.port(KeyDronePort)
	cfg.DroneConnectionType = p.connectionType(KeyDroneConnectionType)
	cfg.CertFilePath = p.file(KeyCertFilePath)
	cfg.PrivateKeyFilePath = p.file(KeyPrivateKeyFilePath)
	cfg.CAFilePath = p.file(KeyCAFilePath)

	if v, ok := p.optional(KeySandboxRoot); ok {
		if !strings.HasPrefix(v, "/") {
			p.fail(KeySandboxRoot, CodeTypeMismatch, "must be an absolute path")
		}
		cfg.SandboxRoot = v
	}
	if v, ok := p.optional(KeyPollSchedule); ok {
		cfg.PollSchedule = p.schedule(KeyPollSchedule, v)
	}
	if v, ok := p.optional(KeyTelemetryInterval); ok {
		cfg.TelemetryInterval = p.duration(KeyTelemetryInterval, v)
	}
	if v, ok := p.optional(KeyTelemetryFormat); ok {
		switch v {
		case TelemetryJSON, TelemetryCBOR:
			cfg.TelemetryFormat = v
		default:
			p.fail(KeyTelemetryFormat, CodeInvalidEnum, "must be one of (json,cbor)")
		}
	}
	if v, ok := p.optional(KeyMissionTimeout); ok {
		cfg.MissionTimeout = p.duration(KeyMissionTimeout, v)
	}
	if v, ok := p.optional(KeyLog); ok {
		cfg.Log = v
	}
	if v, ok := p.optional(KeyVerbose); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(KeyVerbose, CodeTypeMismatch, "must be a boolean")
		}
		cfg.Verbose = b
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type parser struct {
	values map[string]string
	errs   []error
}

func (p *parser) fail(key, code, message string) {
	p.errs = append(p.errs, &ConfigError{Key: key, Code: code, Message: message})
}

func (p *parser) optional(key string) (string, bool) {
	v := strings.TrimSpace(p.values[key])
	return v, v != ""
}

func (p *parser) require(key string) string {
	v, ok := p.optional(key)
	if !ok {
		p.fail(key, CodeMissingRequired, "not set")
	}
	return v
}

// thingName is used as a token of messaging subjects, so it must not contain
// subject separators or wildcards.
func (p *parser) thingName(key string) string {
	v := p.require(key)
	if v != "" && strings.ContainsAny(v, ".*> \t/\\") {
		p.fail(key, CodeTypeMismatch, "must not contain '.', '*', '>', '/', '\\' or whitespace")
	}
	return v
}

func (p *parser) port(key string) int {
	v := p.require(key)
	if v == "" {
		return 0
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, CodeTypeMismatch, "must be integer")
		return 0
	}
	if port <= 0 || port > 65535 {
		p.fail(key, CodeTypeMismatch, "must be in range 1-65535")
	}
	return port
}

func (p *parser) connectionType(key string) ConnectionType {
	v := p.require(key)
	if v == "" {
		return ""
	}
	ct, err := ParseConnectionType(v)
	if err != nil {
		names := make([]string, len(connectionTypes))
		for i, c := range connectionTypes {
			names[i] = string(c)
		}
		p.fail(key, CodeInvalidEnum, "must be valid ConnectionType: possible values ("+strings.Join(names, ",")+")")
	}
	return ct
}

func (p *parser) file(key string) string {
	v := p.require(key)
	if v == "" {
		return ""
	}
	info, err := os.Stat(v)
	if err != nil || !info.Mode().IsRegular() {
		p.fail(key, CodeNotAFile, "not a file")
	}
	return v
}

func (p *parser) schedule(key, v string) Schedule {
	if strings.HasPrefix(v, "P") {
		d, err := ParseISODuration(v)
		switch {
		case err != nil:
			p.fail(key, CodeTypeMismatch, "must be ISO8601 duration, e.g. PT30S")
		case d <= 0:
			p.fail(key, CodeTypeMismatch, "poll interval must be positive")
		}
		return Schedule{Every: d}
	}
	if _, err := ParseCron(v); err != nil {
		p.fail(key, CodeTypeMismatch, "must be a cron expression or ISO8601 duration: "+err.Error())
		return Schedule{}
	}
	return Schedule{Cron: v}
}

func (p *parser) duration(key, v string) time.Duration {
	if v == "0" {
		return 0
	}
	d, err := ParseISODuration(v)
	if err != nil {
		p.fail(key, CodeTypeMismatch, "must be ISO8601 duration, e.g. PT30S")
		return 0
	}
	if d < 0 {
		p.fail(key, CodeTypeMismatch, "must not be negative")
		return 0
	}
	return d
}
