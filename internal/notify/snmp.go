package notify

import (
	"context"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// defaultTrapOIDPrefix is a placeholder private-enterprise arc; operators
// with a registered PEN set oid_prefix on the channel.
const defaultTrapOIDPrefix = "1.3.6.1.4.1.99999"

const snmpTimeout = 5 * time.Second

type snmpConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port,omitempty"`
	Version   string `json:"version,omitempty"` // "2c" (default) or "3"
	Community string `json:"community,omitempty"`
	OIDPrefix string `json:"oid_prefix,omitempty"`

	// v3 credentials.
	SecurityName string `json:"security_name,omitempty"`
	AuthProtocol string `json:"auth_protocol,omitempty"` // SHA | MD5
	AuthPassword string `json:"auth_password,omitempty"`
	PrivProtocol string `json:"priv_protocol,omitempty"` // AES | DES
	PrivPassword string `json:"priv_password,omitempty"`
}

// snmpSender emits an enterprise trap per notification. Traps are
// fire-and-forget UDP, so "sent" means handed to the socket.
type snmpSender struct{}

func (s *snmpSender) Send(ctx context.Context, payload models.AlertPayload, config models.JSONB) error {
	var cfg snmpConfig
	if err := decodeChannelConfig(config, &cfg); err != nil {
		return err
	}
	client, prefix, err := snmpClient(cfg)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < client.Timeout {
			client.Timeout = remaining
		}
	}
	if err := client.Connect(); err != nil {
		return faults.Wrapf(faults.KindTransient, err, "snmp connect")
	}
	defer func() { _ = client.Conn.Close() }()

	trap := gosnmp.SnmpTrap{Variables: trapVariables(prefix, payload)}
	if _, err := client.SendTrap(trap); err != nil {
		return faults.Wrapf(faults.KindTransient, err, "snmp trap")
	}
	return nil
}

// trapVariables lays out the enterprise sub-OIDs: .1.{1..6} carry
// alert_id, device_id, tenant_id, severity, message, and the triggered-at
// timestamp in RFC3339.
func trapVariables(prefix string, payload models.AlertPayload) []gosnmp.SnmpPDU {
	return []gosnmp.SnmpPDU{
		{Name: prefix + ".1.1", Type: gosnmp.OctetString, Value: payload.AlertID},
		{Name: prefix + ".1.2", Type: gosnmp.OctetString, Value: payload.DeviceID},
		{Name: prefix + ".1.3", Type: gosnmp.OctetString, Value: payload.TenantID},
		{Name: prefix + ".1.4", Type: gosnmp.Integer, Value: payload.Severity},
		{Name: prefix + ".1.5", Type: gosnmp.OctetString, Value: payload.Summary},
		{Name: prefix + ".1.6", Type: gosnmp.OctetString, Value: payload.TriggeredAt.UTC().Format(time.RFC3339)},
	}
}

// snmpClient validates the channel config and builds the gosnmp handle.
// Config problems are permanent; there is no point retrying a trap at a
// host we cannot even describe.
func snmpClient(cfg snmpConfig) (*gosnmp.GoSNMP, string, error) {
	if cfg.Host == "" {
		return nil, "", faults.New(faults.KindPermanent, "snmp channel has no host")
	}
	port := cfg.Port
	if port == 0 {
		port = 162
	}
	prefix := strings.TrimSuffix(cfg.OIDPrefix, ".")
	if prefix == "" {
		prefix = defaultTrapOIDPrefix
	}

	client := &gosnmp.GoSNMP{
		Target:  cfg.Host,
		Port:    uint16(port),
		Timeout: snmpTimeout,
		Retries: 0,
	}

	switch cfg.Version {
	case "", "2c":
		community := cfg.Community
		if community == "" {
			community = "public"
		}
		client.Version = gosnmp.Version2c
		client.Community = community
	case "3":
		if cfg.SecurityName == "" {
			return nil, "", faults.New(faults.KindPermanent, "snmp v3 channel has no security_name")
		}
		usm := &gosnmp.UsmSecurityParameters{UserName: cfg.SecurityName}
		level := gosnmp.NoAuthNoPriv
		if cfg.AuthPassword != "" {
			proto, err := snmpAuthProtocol(cfg.AuthProtocol)
			if err != nil {
				return nil, "", err
			}
			usm.AuthenticationProtocol = proto
			usm.AuthenticationPassphrase = cfg.AuthPassword
			level = gosnmp.AuthNoPriv
		}
		if cfg.PrivPassword != "" {
			if cfg.AuthPassword == "" {
				return nil, "", faults.New(faults.KindPermanent, "snmp v3 privacy requires authentication")
			}
			proto, err := snmpPrivProtocol(cfg.PrivProtocol)
			if err != nil {
				return nil, "", err
			}
			usm.PrivacyProtocol = proto
			usm.PrivacyPassphrase = cfg.PrivPassword
			level = gosnmp.AuthPriv
		}
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.MsgFlags = level
		client.SecurityParameters = usm
	default:
		return nil, "", faults.Newf(faults.KindPermanent, "unsupported snmp version %q", cfg.Version)
	}

	return client, prefix, nil
}

func snmpAuthProtocol(name string) (gosnmp.SnmpV3AuthProtocol, error) {
	switch strings.ToUpper(name) {
	case "", "SHA":
		return gosnmp.SHA, nil
	case "MD5":
		return gosnmp.MD5, nil
	default:
		return 0, faults.Newf(faults.KindPermanent, "unsupported snmp auth protocol %q", name)
	}
}

func snmpPrivProtocol(name string) (gosnmp.SnmpV3PrivProtocol, error) {
	switch strings.ToUpper(name) {
	case "", "AES":
		return gosnmp.AES, nil
	case "DES":
		return gosnmp.DES, nil
	default:
		return 0, faults.Newf(faults.KindPermanent, "unsupported snmp priv protocol %q", name)
	}
}
