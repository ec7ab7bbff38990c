package config

import (
	"fmt"
	"net"
	"strconv"
)

// MailConfig describes the outbound SMTP transport used for iMIP emails.
type MailConfig struct {
	Address     string `json:"address"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	SenderTag   string `json:"-"`
	MapboxToken string `json:"-"`
	// StartTLS requires a STARTTLS upgrade on ports other than 465.
	StartTLS bool `json:"-"`
}

// Transport returns the host:port dial address.
func (m MailConfig) Transport() string {
	return net.JoinHostPort(m.Address, strconv.Itoa(m.Port))
}

// WithTransport returns a copy with address and port taken from a "host:port" string.
func (m MailConfig) WithTransport(transport string) (MailConfig, error) {
	host, port, err := net.SplitHostPort(transport)
	if err != nil {
		return m, fmt.Errorf("invalid mail transport %q: %w", transport, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return m, fmt.Errorf("invalid mail port %q", port)
	}
	m.Address = host
	m.Port = n
	return m, nil
}
