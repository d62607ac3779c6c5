// Package config reads the gateway configuration from the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

// Config is everything the process needs, resolved once at startup.
type Config struct {
	// HTTP/WebSocket listener.
	Port      int
	EnableSSL bool
	SSLKey    string
	SSLCert   string

	// SIP side.
	EnableSIPGateway bool
	SIPServerHost    string
	SIPServerPort    int
	SIPDomain        string
	LocalSIPPort     int

	// Media relay daemon.
	RTPEngineHost string
	RTPEnginePort int

	// PublicIP is the address advertised in Contact and Call-ID. "auto"
	// resolves to the primary outbound interface address.
	PublicIP string

	MaxSessions int
	LogLevel    zerolog.Level
}

// Load reads the environment and resolves PUBLIC_IP=auto.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             envInt("PORT", 3000),
		EnableSSL:        envBool("ENABLE_SSL", false),
		SSLKey:           os.Getenv("SSL_KEY_PATH"),
		SSLCert:          os.Getenv("SSL_CERT_PATH"),
		EnableSIPGateway: envBool("ENABLE_SIP_GATEWAY", true),
		SIPServerHost:    envStr("SIP_SERVER_HOST", "127.0.0.1"),
		SIPServerPort:    envInt("SIP_SERVER_PORT", sip.DefaultPort),
		SIPDomain:        envStr("SIP_DOMAIN", "gateway.local"),
		LocalSIPPort:     envInt("LOCAL_SIP_PORT", sip.DefaultPort),
		RTPEngineHost:    envStr("RTPENGINE_HOST", "127.0.0.1"),
		RTPEnginePort:    envInt("RTPENGINE_PORT", 22222),
		PublicIP:         envStr("PUBLIC_IP", "auto"),
		MaxSessions:      envInt("MAX_SESSIONS", 50),
	}

	level, err := zerolog.ParseLevel(envStr("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	if cfg.EnableSSL && (cfg.SSLKey == "" || cfg.SSLCert == "") {
		return nil, fmt.Errorf("ENABLE_SSL requires SSL_KEY_PATH and SSL_CERT_PATH")
	}

	if cfg.PublicIP == "auto" {
		ip, err := outboundIP()
		if err != nil {
			return nil, fmt.Errorf("resolve PUBLIC_IP=auto: %w", err)
		}
		cfg.PublicIP = ip
	} else if net.ParseIP(cfg.PublicIP) == nil {
		return nil, fmt.Errorf("PUBLIC_IP %q is not an IP address", cfg.PublicIP)
	}

	return cfg, nil
}

// SIPServerAddr is the upstream telephony server address.
func (c *Config) SIPServerAddr() string {
	return sip.HostPort(c.SIPServerHost, c.SIPServerPort)
}

// RTPEngineAddr is the media relay control address.
func (c *Config) RTPEngineAddr() string {
	return sip.HostPort(c.RTPEngineHost, c.RTPEnginePort)
}

// LocalSIPAddr is the UDP bind address for the SIP socket.
func (c *Config) LocalSIPAddr() string {
	return sip.HostPort("0.0.0.0", c.LocalSIPPort)
}

// outboundIP finds the interface address the default route uses. No packet
// is sent; the dial only selects a source address.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	case "0", "false", "FALSE", "False", "no", "off":
		return false
	}
	return def
}
