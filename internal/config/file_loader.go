package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the subset of configuration that can be provided via file.
type FileConfig struct {
	Addr                string   `json:"addr" yaml:"addr"`
	EventLogFile        string   `json:"event_log_file" yaml:"event_log_file"`
	AllowHosts          []string `json:"allow_hosts" yaml:"allow_hosts"`
	ForceMITM           *bool    `json:"force_mitm" yaml:"force_mitm"`
	DisableH2           *bool    `json:"disable_h2" yaml:"disable_h2"`
	CADir               string   `json:"ca_dir" yaml:"ca_dir"`
	RuleFile            string   `json:"rule_file" yaml:"rule_file"`
	ExcerptLimit        *int     `json:"excerpt_limit" yaml:"excerpt_limit"`
	MITMDisableHosts    []string `json:"mitm_disable_hosts" yaml:"mitm_disable_hosts"`
	UpstreamProxyURL    string   `json:"upstream_proxy_url" yaml:"upstream_proxy_url"`
	H2IdleSecs          *int     `json:"h2_idle_secs" yaml:"h2_idle_secs"`
	H2PingIntervalMS    *int     `json:"h2_ping_interval_ms" yaml:"h2_ping_interval_ms"`
	H2PingTimeoutMS     *int     `json:"h2_ping_timeout_ms" yaml:"h2_ping_timeout_ms"`
	ProcessLookupWaitMS *int     `json:"process_lookup_wait_ms" yaml:"process_lookup_wait_ms"`
	CaptureIface        string   `json:"capture_iface" yaml:"capture_iface"`
	Debug               *bool    `json:"debug" yaml:"debug"`
}

// LoadFile parses configuration from the provided file path.
func LoadFile(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config file: %w", err)
	}

	fc := FileConfig{}
	switch detectFormat(path, data) {
	case "yaml":
		err = yaml.Unmarshal(data, &fc)
	case "json":
		err = json.Unmarshal(data, &fc)
	default:
		err = errors.New("unsupported config format (use .json, .yml, or .yaml)")
	}
	if err != nil {
		return FileConfig{}, err
	}

	return fc, nil
}

// Merge overlays file configuration on top of the base Config parsed from flags.
func Merge(base Config, fc FileConfig) Config {
	if fc.Addr != "" {
		base.Addr = fc.Addr
	}
	if fc.EventLogFile != "" {
		base.EventLogFile = fc.EventLogFile
	}
	if len(fc.AllowHosts) > 0 {
		base.AllowHosts = fc.AllowHosts
	}
	if fc.ForceMITM != nil {
		base.ForceMITM = *fc.ForceMITM
	}
	if fc.DisableH2 != nil {
		base.DisableH2 = *fc.DisableH2
	}
	if fc.CADir != "" {
		base.CADir = fc.CADir
	}
	if fc.RuleFile != "" {
		base.RuleFile = fc.RuleFile
	}
	if fc.ExcerptLimit != nil {
		base.ExcerptLimit = *fc.ExcerptLimit
	}
	if len(fc.MITMDisableHosts) > 0 {
		base.MITMDisableHosts = fc.MITMDisableHosts
	}
	if fc.UpstreamProxyURL != "" {
		base.UpstreamProxyURL = fc.UpstreamProxyURL
	}
	if fc.H2IdleSecs != nil {
		base.H2IdleSecs = *fc.H2IdleSecs
	}
	if fc.H2PingIntervalMS != nil {
		base.H2PingIntervalMS = *fc.H2PingIntervalMS
	}
	if fc.H2PingTimeoutMS != nil {
		base.H2PingTimeoutMS = *fc.H2PingTimeoutMS
	}
	if fc.ProcessLookupWaitMS != nil {
		base.ProcessLookupWaitMS = *fc.ProcessLookupWaitMS
	}
	if fc.CaptureIface != "" {
		base.CaptureIface = fc.CaptureIface
	}
	if fc.Debug != nil {
		base.Debug = *fc.Debug
	}
	return base
}

func detectFormat(path string, data []byte) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return "yaml"
	}
	if strings.HasSuffix(lower, ".json") {
		return "json"
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return "json"
	}
	return "yaml"
}
