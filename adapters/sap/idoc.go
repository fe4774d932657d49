package sap

import (
	"fmt"
	"strings"
)

// Control record fields of a simulated IDoc (EDIDC).
var idocHeaders = []string{"DOCNUM", "IDOCTP", "MESTYP", "DIRECT", "SNDPRN", "RCVPRN", "CREDAT", "CRETIM", "STATUS"}

// messageType derives the message type from the basic type when none is
// configured: MATMAS05 becomes MATMAS.
func (c *Connector) messageType() string {
	if c.cfg.MessageType != "" {
		return c.cfg.MessageType
	}
	return strings.TrimRight(c.cfg.IDocType, "0123456789")
}

// simulateIDocs returns SimulatedCount outbound control records with
// increasing document numbers.
func (c *Connector) simulateIDocs() ([]string, []map[string]string) {
	now := c.now().UTC()
	sender := "SAP"
	if c.cfg.Client != "" {
		sender += "CLNT" + c.cfg.Client
	}

	records := make([]map[string]string, c.cfg.SimulatedCount)
	for i := range records {
		records[i] = map[string]string{
			"DOCNUM": fmt.Sprintf("%016d", c.docnum.Add(1)),
			"IDOCTP": c.cfg.IDocType,
			"MESTYP": c.messageType(),
			"DIRECT": "1",
			"SNDPRN": sender,
			"RCVPRN": "RELAY",
			"CREDAT": now.Format("20060102"),
			"CRETIM": now.Format("150405"),
			"STATUS": "30",
		}
	}
	return append([]string(nil), idocHeaders...), records
}
