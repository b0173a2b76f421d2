package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/confvault/confvault/internal/models"
	"github.com/gosnmp/gosnmp"
)

// snmpSystemOIDs is the system group snapshot retrieved for SNMP-managed
// devices that expose no command shell. The rendered values stand in for a
// running configuration.
var snmpSystemOIDs = []string{
	"1.3.6.1.2.1.1.1.0", // sysDescr
	"1.3.6.1.2.1.1.2.0", // sysObjectID
	"1.3.6.1.2.1.1.4.0", // sysContact
	"1.3.6.1.2.1.1.5.0", // sysName
	"1.3.6.1.2.1.1.6.0", // sysLocation
}

// SNMPConnector snapshots the SNMP system group via github.com/gosnmp/gosnmp.
// The command argument is ignored; SNMP devices have a fixed retrieval set.
type SNMPConnector struct{}

// ConnectAndRun performs a v2c Get of the system group and renders it as text.
func (c *SNMPConnector) ConnectAndRun(ctx context.Context, device models.Device, creds Credentials, _ string, timeout time.Duration) (string, error) {
	if creds.Community == "" {
		return "", &AuthError{Protocol: "snmp", Err: fmt.Errorf("no community string provided")}
	}

	g := &gosnmp.GoSNMP{
		Target:    device.IPAddress,
		Port:      uint16(device.Port),
		Version:   gosnmp.Version2c,
		Community: creds.Community,
		Timeout:   timeout,
		Context:   ctx,
	}

	if err := g.Connect(); err != nil {
		return "", fmt.Errorf("snmp connect %s: %w", device.IPAddress, err)
	}
	defer g.Conn.Close()

	result, err := g.Get(snmpSystemOIDs)
	if err != nil {
		return "", fmt.Errorf("snmp get: %w", err)
	}

	// An authentication failure report means the community was rejected;
	// agents that silently drop bad communities surface as a timeout instead,
	// which stays a non-auth failure.
	if result.Error == gosnmp.AuthorizationError || result.Error == gosnmp.NoAccess {
		return "", &AuthError{Protocol: "snmp", Err: fmt.Errorf("agent rejected community")}
	}

	var sb strings.Builder
	for _, variable := range result.Variables {
		value := variable.Value
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		fmt.Fprintf(&sb, "%s = %v\n", variable.Name, value)
	}

	return sb.String(), nil
}
